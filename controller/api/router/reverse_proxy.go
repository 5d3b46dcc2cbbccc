package router

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	logging "github.com/sirupsen/logrus"
)

// reverseProxy is an HTTP reverse proxy that forwards client requests to
// the group worker serving the requested asset. The negative FlushInterval
// pushes every write straight through, so proxied SSE frames reach the
// client as they arrive instead of sitting in a buffer.
type reverseProxy struct {
	*httputil.ReverseProxy
}

func newReverseProxy(target *url.URL, log *logging.Entry) *reverseProxy {
	director := func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host

		// the default director implementation does this, so we will too
		if _, ok := req.Header["User-Agent"]; !ok {
			// explicitly disable User-Agent so it's not set to default value
			req.Header.Set("User-Agent", "")
		}
	}

	// ModifyResponse adds the Via header to responses to identify that
	// this response was proxied through the router
	modifyResponse := func(resp *http.Response) error {
		resp.Header.Set("Via", "1.1 serving-layer-router")
		return nil
	}

	errorHandler := func(w http.ResponseWriter, req *http.Request, err error) {
		log.Errorf("proxying %s to %s: %s", req.URL.Path, target.Host, err)
		renderDetail(w, http.StatusBadGateway, "group worker unreachable")
	}

	return &reverseProxy{
		ReverseProxy: &httputil.ReverseProxy{
			Director:       director,
			ModifyResponse: modifyResponse,
			ErrorHandler:   errorHandler,
			FlushInterval:  -1,
		},
	}
}
