package tool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dipeo/dipeo-go/errdefs"
)

func TestHTTPPortRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte("pong"))
		case "/flaky":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/teapot":
			w.WriteHeader(http.StatusTeapot)
		case "/slow":
			time.Sleep(time.Second)
		}
	}))
	defer server.Close()

	port := NewHTTPPort(5 * time.Second)
	ctx := context.Background()

	t.Run("success with bearer auth", func(t *testing.T) {
		resp, err := port.Request(ctx, HTTPRequest{URL: server.URL + "/ok", BearerToken: "tok"})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Status != 200 || string(resp.Body) != "pong" {
			t.Errorf("resp = %d %q", resp.Status, resp.Body)
		}
	})

	t.Run("5xx is transient", func(t *testing.T) {
		resp, err := port.Request(ctx, HTTPRequest{URL: server.URL + "/flaky"})
		if errdefs.KindOf(err) != errdefs.KindTransient {
			t.Errorf("kind = %v, want Transient", errdefs.KindOf(err))
		}
		// The response is still returned alongside the error.
		if resp == nil || resp.Status != http.StatusServiceUnavailable {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("404 is not found", func(t *testing.T) {
		_, err := port.Request(ctx, HTTPRequest{URL: server.URL + "/missing"})
		if errdefs.KindOf(err) != errdefs.KindNotFound {
			t.Errorf("kind = %v, want NotFound", errdefs.KindOf(err))
		}
	})

	t.Run("403 is permission denied", func(t *testing.T) {
		_, err := port.Request(ctx, HTTPRequest{URL: server.URL + "/forbidden"})
		if errdefs.KindOf(err) != errdefs.KindPermissionDenied {
			t.Errorf("kind = %v, want PermissionDenied", errdefs.KindOf(err))
		}
	})

	t.Run("other 4xx is handler failure", func(t *testing.T) {
		_, err := port.Request(ctx, HTTPRequest{URL: server.URL + "/teapot"})
		if errdefs.KindOf(err) != errdefs.KindHandlerFailure {
			t.Errorf("kind = %v, want HandlerFailure", errdefs.KindOf(err))
		}
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := port.Request(ctx, HTTPRequest{URL: server.URL + "/slow", Timeout: 20 * time.Millisecond})
		if errdefs.KindOf(err) != errdefs.KindTimeout {
			t.Errorf("kind = %v, want Timeout", errdefs.KindOf(err))
		}
	})

	t.Run("missing url is validation", func(t *testing.T) {
		_, err := port.Request(ctx, HTTPRequest{})
		if errdefs.KindOf(err) != errdefs.KindValidation {
			t.Errorf("kind = %v, want Validation", errdefs.KindOf(err))
		}
	})
}

func TestLocalFiles(t *testing.T) {
	dir := t.TempDir()
	files := NewLocalFiles(dir)

	if err := files.Write("sub/a.txt", []byte("alpha")); err != nil {
		t.Fatal(err)
	}
	data, err := files.Read("sub/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "alpha" {
		t.Errorf("content = %q", data)
	}

	if _, err := files.Read("nope.txt"); errdefs.KindOf(err) != errdefs.KindNotFound {
		t.Errorf("kind = %v, want NotFound", errdefs.KindOf(err))
	}

	if err := files.Write("sub/b.log", []byte("beta")); err != nil {
		t.Fatal(err)
	}
	names, err := files.List("sub", "*.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "a.txt" {
		t.Errorf("list = %v", names)
	}

	// Escaping the base directory is rejected.
	if _, err := files.Read("../outside.txt"); errdefs.KindOf(err) != errdefs.KindPermissionDenied {
		t.Errorf("kind = %v, want PermissionDenied", errdefs.KindOf(err))
	}

	// Directory entries are skipped by List.
	if err := os.MkdirAll(filepath.Join(dir, "sub", "nested.txt"), 0o755); err != nil {
		t.Fatal(err)
	}
	names, _ = files.List("sub", "*.txt")
	if len(names) != 1 {
		t.Errorf("list with directory = %v", names)
	}
}
