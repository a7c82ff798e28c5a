package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	html := `<html><head>
		<title>t</title>
		<style>body { color: red }</style>
	</head><body>
		<script>console.log("hidden")</script>
		<h1>A Heading</h1>
		<p>First paragraph with    extra   spaces.</p>

		<p>Second paragraph.</p>
		<noscript>please enable javascript</noscript>
	</body></html>`

	text := extractText(html)

	assert.NotContains(t, text, "hidden")
	assert.NotContains(t, text, "color: red")
	assert.NotContains(t, text, "enable javascript")
	assert.Contains(t, text, "A Heading")
	assert.Contains(t, text, "First paragraph with extra spaces.")
	assert.Contains(t, text, "Second paragraph.")
}

func TestExtractText_PlainText(t *testing.T) {
	text := extractText("just some plain text\n\nwith a second paragraph")
	assert.Contains(t, text, "just some plain text")
	assert.Contains(t, text, "with a second paragraph")
}

func TestNormalizeWhitespace(t *testing.T) {
	in := "\n\n  first   line  \n\n\n\n second line\t\twith tabs \n\n"
	assert.Equal(t, "first line\n\nsecond line with tabs", normalizeWhitespace(in))
}

func TestNormalizeWhitespace_Empty(t *testing.T) {
	assert.Equal(t, "", normalizeWhitespace("   \n \n\t\n"))
}

func newHTTPFetcher() *HTTPFetcher {
	return NewHTTP(HTTPConfig{
		UserAgent: "lodestone-test/1.0",
		Timeout:   5 * time.Second,
		MaxBytes:  1 << 20,
	})
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><p>Hello from the page.</p></body></html>"))
	}))
	defer srv.Close()

	page, err := newHTTPFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, page.URL)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, page.Text, "Hello from the page.")
	assert.Equal(t, "lodestone-test/1.0", gotUA)
}

func TestHTTPFetcher_Fetch_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newHTTPFetcher().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadStatus)
}

func TestHTTPFetcher_Fetch_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><script>only()</script></body></html>"))
	}))
	defer srv.Close()

	_, err := newHTTPFetcher().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyBody)
}

func TestHTTPFetcher_Fetch_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<p>ok</p>"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newHTTPFetcher().Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
