package serialmux

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
)

// localHostRequest builds a request from loopback so tsweb's debug access
// check passes.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
