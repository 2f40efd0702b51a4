package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// bootingPage is served while nothing is listening on the dev-server
// port yet. It refreshes itself so browsers land on the app as soon as
// the process supervisor has it up.
const bootingPage = `<!DOCTYPE html>
<html>
<head>
  <meta http-equiv="refresh" content="2">
  <title>Starting dev server...</title>
  <style>
    body { font-family: sans-serif; display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; color: #555; }
  </style>
</head>
<body>
  <p>Dev server is starting, this page will refresh automatically.</p>
</body>
</html>
`

// newDevServerProxy forwards any request the control routes did not
// claim to the dev server on the loopback interface. The Host header is
// rewritten so frameworks that validate it accept the request.
func newDevServerProxy(port int) http.Handler {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	localHost := fmt.Sprintf("localhost:%d", port)

	proxy := httputil.NewSingleHostReverseProxy(target)

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = localHost
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Debug("dev server not reachable", "path", r.URL.Path, "error", err)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Boxd-Booting", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(bootingPage))
	}

	return proxy
}
