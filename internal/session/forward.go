package session

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const jsonContentType = "application/json;charset=utf-8"

// Response is a backend answer relayed to the client
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// ContentType returns the backend's content type, JSON when it sent none
func (r *Response) ContentType() string {
	if r.Header != nil {
		if ct := r.Header.Get("Content-Type"); ct != "" {
			return ct
		}
	}
	return jsonContentType
}

type forwarder struct {
	client *resty.Client
}

func newForwarder(logger *zap.Logger) *forwarder {
	client := resty.New().
		SetLogger(logger.Sugar()).
		// redirects carry the new session id and are handled by the caller
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}))

	return &forwarder{client: client}
}

// Do sends body to url. A positive timeout bounds the whole exchange,
// otherwise the caller's context is the only limit.
func (f *forwarder) Do(ctx context.Context, method, url string, body []byte, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := f.client.R().SetContext(ctx)
	if len(body) > 0 {
		req.SetHeader("Content-Type", jsonContentType).SetBody(body)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status: resp.StatusCode(),
		Header: resp.Header(),
		Body:   resp.Body(),
	}, nil
}
