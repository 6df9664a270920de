package wopi

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"
	"github.com/rakutentech/jwk-go/jwk"
	"github.com/ttab/elephantine"
	"github.com/wopihost/wopihost/internal"
)

func SetUpRouter(
	router *httprouter.Router,
	opts ...RouterOption,
) error {
	for _, opt := range opts {
		err := opt(router)
		if err != nil {
			return err
		}
	}

	return nil
}

func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	var handler http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
		ctx := elephantine.WithLogMetadata(r.Context())

		h.ServeHTTP(w, r.WithContext(ctx))
	}

	corsHandler := elephantine.CORSMiddleware(elephantine.CORSOptions{
		AllowInsecure:          false,
		AllowInsecureLocalhost: true,
		Hosts:                  []string{"localhost"},
		AllowedMethods:         []string{"GET", "POST"},
		AllowedHeaders:         []string{"Authorization", "Content-Type"},
	}, handler)

	server := http.Server{
		Addr:              addr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return elephantine.ListenAndServeContext(ctx, &server, 10*time.Second)
}

type RouterOption func(router *httprouter.Router) error

// WithWOPIAPI registers the file operation endpoints that the editing
// engine calls back on.
func WithWOPIAPI(handler *Handler) RouterOption {
	return func(router *httprouter.Router) error {
		router.GET("/wopi/files/:id",
			internal.RHandleFunc(handler.CheckFileInfo))
		router.POST("/wopi/files/:id",
			internal.RHandleFunc(handler.FileOperation))
		router.GET("/wopi/files/:id/contents",
			internal.RHandleFunc(handler.GetFile))
		router.POST("/wopi/files/:id/contents",
			internal.RHandleFunc(handler.PutFile))

		return nil
	}
}

// WithJWKSEndpoint exposes the public signing key, so that other
// services can verify the access tokens we issue.
func WithJWKSEndpoint(signingKey *ecdsa.PrivateKey) RouterOption {
	return func(router *httprouter.Router) error {
		spec := jwk.NewSpec(signingKey)

		spec.Algorithm = jwt.SigningMethodES384.Alg()
		spec.Use = "sig"

		set := jwk.KeySpecSet{
			Keys: []jwk.KeySpec{*spec},
		}

		// The key set only changes on restart, so it can be
		// marshalled once up front.
		body, err := set.MarshalPublicJSON()
		if err != nil {
			return fmt.Errorf(
				"failed to marshal JWKS key set: %w", err)
		}

		router.GET("/.well-known/jwks.json", httprouter.Handle(func(
			w http.ResponseWriter, _ *http.Request, _ httprouter.Params,
		) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
		}))

		return nil
	}
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// WithTokenEndpoint registers the access token issuance endpoint for
// the embedding application. The application authenticates with a
// shared secret and requests a token on behalf of one of its users.
func WithTokenEndpoint(
	tokens *TokenService,
	store DocStore,
	sharedSecret string,
) RouterOption {
	return func(router *httprouter.Router) error {
		router.POST("/token-issuance/:id", internal.RHandleFunc(func(
			w http.ResponseWriter, r *http.Request, p httprouter.Params,
		) error {
			err := r.ParseForm()
			if err != nil {
				return internal.HTTPErrorf(http.StatusBadRequest,
					"invalid form data: %v", err)
			}

			form := r.Form

			if form.Get("secret") != sharedSecret {
				return internal.HTTPErrorf(http.StatusUnauthorized,
					"invalid secret")
			}

			userID := form.Get("user_id")
			if userID == "" {
				return internal.HTTPErrorf(http.StatusBadRequest,
					"missing 'user_id'")
			}

			permission, err := ParsePermission(form.Get("permission"))
			if err != nil {
				return internal.HTTPErrorf(http.StatusBadRequest,
					"invalid 'permission': %v", err)
			}

			fileID := p.ByName("id")

			_, err = store.Get(r.Context(), fileID)
			if IsDocStoreErrorCode(err, ErrCodeNotFound) {
				return internal.HTTPErrorf(http.StatusNotFound,
					"no such document")
			} else if err != nil {
				return fmt.Errorf("check document: %w", err)
			}

			ss, expires, err := tokens.Issue(fileID, userID,
				form.Get("user_name"), permission)
			if err != nil {
				return internal.HTTPErrorf(http.StatusInternalServerError,
					"failed to sign JWT token")
			}

			return writeJSON(w, http.StatusOK, TokenResponse{
				AccessToken: ss,
				TokenType:   "Bearer",
				ExpiresIn:   int(time.Until(expires).Seconds()),
			})
		}))

		return nil
	}
}

type LaunchResponse struct {
	URL         string `json:"url"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// WithLaunchEndpoint registers a convenience endpoint that does the
// full embedding handshake in one call: issues an access token and
// resolves the editing engine URL to load in an iframe.
func WithLaunchEndpoint(
	tokens *TokenService,
	store DocStore,
	resolver *Resolver,
	sharedSecret string,
	publicURL string,
) RouterOption {
	publicURL = strings.TrimSuffix(publicURL, "/")

	return func(router *httprouter.Router) error {
		router.GET("/launch/:id", internal.RHandleFunc(func(
			w http.ResponseWriter, r *http.Request, p httprouter.Params,
		) error {
			q := r.URL.Query()

			if q.Get("secret") != sharedSecret {
				return internal.HTTPErrorf(http.StatusUnauthorized,
					"invalid secret")
			}

			userID := q.Get("user_id")
			if userID == "" {
				return internal.HTTPErrorf(http.StatusBadRequest,
					"missing 'user_id'")
			}

			permission := PermissionEdit

			if v := q.Get("permission"); v != "" {
				parsed, err := ParsePermission(v)
				if err != nil {
					return internal.HTTPErrorf(http.StatusBadRequest,
						"invalid 'permission': %v", err)
				}

				permission = parsed
			}

			fileID := p.ByName("id")

			doc, err := store.Get(r.Context(), fileID)
			if IsDocStoreErrorCode(err, ErrCodeNotFound) {
				return internal.HTTPErrorf(http.StatusNotFound,
					"no such document")
			} else if err != nil {
				return fmt.Errorf("check document: %w", err)
			}

			ss, expires, err := tokens.Issue(fileID, userID,
				q.Get("user_name"), permission)
			if err != nil {
				return internal.HTTPErrorf(http.StatusInternalServerError,
					"failed to sign JWT token")
			}

			wopiSrc := publicURL + "/wopi/files/" + fileID

			launchURL, err := resolver.LaunchURL(r.Context(),
				doc.Name, wopiSrc, ss)
			if err != nil {
				return fmt.Errorf("resolve launch URL: %w", err)
			}

			return writeJSON(w, http.StatusOK, LaunchResponse{
				URL:         launchURL,
				AccessToken: ss,
				TokenType:   "Bearer",
				ExpiresIn:   int(time.Until(expires).Seconds()),
			})
		}))

		return nil
	}
}
