package wopi_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ttab/elephantine/test"
	"github.com/wopihost/wopihost/wopi"
)

func TestClassify(t *testing.T) {
	cases := map[string]wopi.Category{
		"report.docx":     wopi.CategoryWord,
		"REPORT.DOCX":     wopi.CategoryWord,
		"notes.odt":       wopi.CategoryWord,
		"readme.txt":      wopi.CategoryWord,
		"budget.xlsx":     wopi.CategorySpreadsheet,
		"data.csv":        wopi.CategorySpreadsheet,
		"deck.pptx":       wopi.CategoryPresentation,
		"slides.odp":      wopi.CategoryPresentation,
		"archive.tar.gz":  wopi.CategoryWord,
		"no-extension":    wopi.CategoryWord,
		"strange.unknown": wopi.CategoryWord,
	}

	for filename, want := range cases {
		test.Equal(t, want, wopi.Classify(filename),
			"classify %q", filename)
	}
}

const testDiscoveryXML = `<wopi-discovery>
  <net-zone name="external-http">
    <app name="writer">
      <action name="view" ext="docx" urlsrc="http://engine.test/browser/abc123/cool.html?"/>
      <action name="edit" ext="docx" urlsrc="http://engine.test/browser/abc123/cool.html?&lt;ui=UI_LLCC&amp;&gt;"/>
    </app>
    <app name="calc">
      <action name="edit" ext="xlsx" urlsrc="http://engine.test/browser/abc123/calc.html?"/>
    </app>
  </net-zone>
</wopi-discovery>`

func newDiscoveryResolver(
	t *testing.T, handler http.HandlerFunc,
) (*wopi.Resolver, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	resolver, err := wopi.NewResolver(logger, wopi.ResolverOptions{
		Endpoint:   server.URL,
		HTTPClient: server.Client(),
	})
	test.Must(t, err, "create resolver")

	return resolver, server
}

func TestResolver_LaunchURL(t *testing.T) {
	var fetches atomic.Int32

	resolver, _ := newDiscoveryResolver(t,
		func(w http.ResponseWriter, r *http.Request) {
			test.Equal(t, "/hosting/discovery", r.URL.Path,
				"discovery path")

			fetches.Add(1)

			w.Header().Set("Content-Type", "text/xml")
			_, _ = w.Write([]byte(testDiscoveryXML))
		})

	wopiSrc := "http://localhost:1080/wopi/files/doc-1"

	launch, err := resolver.LaunchURL(t.Context(),
		"report.docx", wopiSrc, "the-token")
	test.Must(t, err, "resolve launch URL")

	test.Equal(t, true, strings.HasPrefix(launch,
		"http://engine.test/browser/abc123/cool.html?"),
		"use the urlsrc from the discovery document")

	parsed, err := url.Parse(launch)
	test.Must(t, err, "parse launch URL")

	query := parsed.Query()

	test.Equal(t, wopiSrc, query.Get("WOPISrc"), "WOPI source parameter")
	test.Equal(t, "the-token", query.Get("access_token"),
		"access token parameter")

	if strings.Contains(launch, "<") {
		t.Fatalf("expected placeholders to be stripped, got %q", launch)
	}

	// A second launch for the same extension is served from cache.
	_, err = resolver.LaunchURL(t.Context(),
		"other.docx", wopiSrc, "another-token")
	test.Must(t, err, "resolve a second launch URL")

	test.Equal(t, int32(1), fetches.Load(),
		"discovery is fetched once per endpoint and extension")

	launch, err = resolver.LaunchURL(t.Context(),
		"budget.xlsx", wopiSrc, "the-token")
	test.Must(t, err, "resolve a spreadsheet launch URL")

	test.Equal(t, true, strings.HasPrefix(launch,
		"http://engine.test/browser/abc123/calc.html?"),
		"spreadsheets use the calc action")
}

func TestResolver_DiscoveryFallback(t *testing.T) {
	resolver, server := newDiscoveryResolver(t,
		func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		})

	launch, err := resolver.LaunchURL(t.Context(),
		"report.docx", "http://localhost:1080/wopi/files/doc-1", "tok")
	test.Must(t, err, "fall back when discovery fails")

	test.Equal(t, true, strings.HasPrefix(launch,
		server.URL+"/browser/dist/cool.html?"),
		"use the conventional browser path")
}

func TestResolver_PerCategoryEndpoints(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := wopi.NewResolver(logger, wopi.ResolverOptions{})
	test.MustNot(t, err, "expect an error without endpoints")

	wordServer := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusNotFound)
		}))
	t.Cleanup(wordServer.Close)

	resolver, err := wopi.NewResolver(logger, wopi.ResolverOptions{
		Endpoints: map[wopi.Category]string{
			wopi.CategoryWord: wordServer.URL,
		},
		HTTPClient: wordServer.Client(),
	})
	test.Must(t, err, "create resolver with a word endpoint")

	launch, err := resolver.LaunchURL(t.Context(),
		"report.docx", "http://localhost:1080/wopi/files/doc-1", "tok")
	test.Must(t, err, "resolve a word launch URL")

	test.Equal(t, true, strings.HasPrefix(launch, wordServer.URL),
		"word documents use the word endpoint")

	_, err = resolver.LaunchURL(t.Context(),
		"budget.xlsx", "http://localhost:1080/wopi/files/doc-1", "tok")
	test.MustNot(t, err,
		"expect an error for a category without an endpoint")
}
