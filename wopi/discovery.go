package wopi

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/ttab/elephantine"
	"github.com/viccon/sturdyc"
	"github.com/wopihost/wopihost/internal"
)

// Category is the coarse document family used to pick an editing
// engine endpoint.
type Category string

const (
	CategoryWord         Category = "word"
	CategorySpreadsheet  Category = "spreadsheet"
	CategoryPresentation Category = "presentation"
)

var categoryByExtension = map[string]Category{
	".doc":  CategoryWord,
	".docx": CategoryWord,
	".odt":  CategoryWord,
	".rtf":  CategoryWord,
	".txt":  CategoryWord,
	".csv":  CategorySpreadsheet,
	".ods":  CategorySpreadsheet,
	".xls":  CategorySpreadsheet,
	".xlsx": CategorySpreadsheet,
	".odp":  CategoryPresentation,
	".ppt":  CategoryPresentation,
	".pptx": CategoryPresentation,
}

// Classify maps a file name to a document category based on its
// extension. Unknown extensions are treated as word processing
// documents, which is the engine's most forgiving mode.
func Classify(filename string) Category {
	ext := strings.ToLower(filepath.Ext(filename))

	category, ok := categoryByExtension[ext]
	if !ok {
		return CategoryWord
	}

	return category
}

// ResolverOptions configures engine endpoint resolution. Endpoints can
// be set per category; categories without an endpoint fall back to
// Endpoint.
type ResolverOptions struct {
	// Endpoint is the engine base URL used for all categories that
	// don't have an entry in Endpoints.
	Endpoint  string
	Endpoints map[Category]string

	HTTPClient *http.Client
}

// Resolver constructs engine launch URLs. The launch URL template is
// read from the engine's discovery document and cached, so that we
// don't fetch the discovery XML on every launch.
type Resolver struct {
	logger    *slog.Logger
	client    *http.Client
	endpoint  string
	endpoints map[Category]string

	cache *sturdyc.Client[string]
}

func NewResolver(logger *slog.Logger, opts ResolverOptions) (*Resolver, error) {
	if opts.Endpoint == "" && len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("no engine endpoints configured")
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	cache := sturdyc.New[string](
		64, 1,
		1*time.Hour, 10,
		sturdyc.WithEvictionInterval(10*time.Minute))

	return &Resolver{
		logger:    logger,
		client:    client,
		endpoint:  strings.TrimSuffix(opts.Endpoint, "/"),
		endpoints: opts.Endpoints,
		cache:     cache,
	}, nil
}

func (r *Resolver) endpointFor(category Category) (string, error) {
	if e, ok := r.endpoints[category]; ok {
		return strings.TrimSuffix(e, "/"), nil
	}

	if r.endpoint == "" {
		return "", fmt.Errorf(
			"no engine endpoint for category %q", category)
	}

	return r.endpoint, nil
}

// LaunchURL resolves the engine URL that loads the given document in
// an iframe. The WOPI source and access token are passed as query
// parameters the way the engine's discovery document prescribes.
func (r *Resolver) LaunchURL(
	ctx context.Context, filename string, wopiSrc string, accessToken string,
) (string, error) {
	category := Classify(filename)

	endpoint, err := r.endpointFor(category)
	if err != nil {
		return "", err
	}

	ext := strings.TrimPrefix(
		strings.ToLower(filepath.Ext(filename)), ".")

	base := r.urlsrc(ctx, endpoint, ext)

	query := url.Values{
		"WOPISrc":      []string{wopiSrc},
		"access_token": []string{accessToken},
	}

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}

	return base + sep + query.Encode(), nil
}

// urlsrc returns the launch URL template for the given endpoint and
// file extension, from cache or from the discovery document. Discovery
// failures fall back to the engine's conventional browser path, so a
// flaky engine degrades launches instead of breaking them.
func (r *Resolver) urlsrc(
	ctx context.Context, endpoint string, ext string,
) string {
	key := endpoint + "|" + ext

	src, err := r.cache.GetOrFetch(ctx, key,
		func(ctx context.Context) (string, error) {
			return r.fetchURLSrc(ctx, endpoint, ext)
		})
	if err != nil {
		r.logger.WarnContext(ctx,
			"failed to read engine discovery document, using fallback launch URL",
			elephantine.LogKeyError, err,
			internal.LogKeyEndpoint, endpoint,
		)

		return endpoint + "/browser/dist/cool.html"
	}

	return src
}

type discoveryDoc struct {
	XMLName  xml.Name        `xml:"wopi-discovery"`
	NetZones []discoveryZone `xml:"net-zone"`
}

type discoveryZone struct {
	Apps []discoveryApp `xml:"app"`
}

type discoveryApp struct {
	Name    string            `xml:"name,attr"`
	Actions []discoveryAction `xml:"action"`
}

type discoveryAction struct {
	Name   string `xml:"name,attr"`
	Ext    string `xml:"ext,attr"`
	URLSrc string `xml:"urlsrc,attr"`
}

func (r *Resolver) fetchURLSrc(
	ctx context.Context, endpoint string, ext string,
) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"/hosting/discovery", nil)
	if err != nil {
		return "", fmt.Errorf("create discovery request: %w", err)
	}

	res, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch discovery document: %w", err)
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf(
			"discovery responded with status %q", res.Status)
	}

	var doc discoveryDoc

	err = xml.NewDecoder(res.Body).Decode(&doc)
	if err != nil {
		return "", fmt.Errorf("parse discovery document: %w", err)
	}

	src := pickURLSrc(&doc, ext)
	if src == "" {
		return "", fmt.Errorf(
			"no action for extension %q in discovery document", ext)
	}

	return stripPlaceholders(src), nil
}

// pickURLSrc selects the best matching action: an edit action for the
// extension, then any action for the extension, then any edit action.
func pickURLSrc(doc *discoveryDoc, ext string) string {
	var extMatch, editMatch string

	for _, zone := range doc.NetZones {
		for _, app := range zone.Apps {
			for _, action := range app.Actions {
				byExt := action.Ext == ext && ext != ""
				byName := action.Name == "edit"

				switch {
				case byExt && byName:
					return action.URLSrc
				case byExt && extMatch == "":
					extMatch = action.URLSrc
				case byName && editMatch == "":
					editMatch = action.URLSrc
				}
			}
		}
	}

	if extMatch != "" {
		return extMatch
	}

	return editMatch
}

// stripPlaceholders removes the <NAME=VALUE&> optional parameter
// placeholders that discovery documents embed in urlsrc values.
func stripPlaceholders(src string) string {
	var b strings.Builder

	skip := false

	for _, c := range src {
		switch {
		case c == '<':
			skip = true
		case c == '>':
			skip = false
		case !skip:
			b.WriteRune(c)
		}
	}

	return strings.TrimRight(b.String(), "?&")
}
