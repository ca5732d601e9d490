package web

import (
	"net/http"

	"github.com/NemoCpp/deep-splicing/logging"
	"github.com/goji/httpauth"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionName = "deepsplice"
	userKey     = "user"
)

type AuthMiddleware struct {
	user  string
	store *sessions.CookieStore
	opts  httpauth.AuthOptions
}

// Setup new middleware for authenticating requests against a single user with a bcrypt
// password hash. The session keys are generated at random so sessions end when the server exits.
func NewAuthMiddleware(user, passwordHash string) *AuthMiddleware {
	store := sessions.NewCookieStore(securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
	store.Options = &sessions.Options{Path: "/", MaxAge: 86400, HttpOnly: true}
	mw := &AuthMiddleware{user: user, store: store}
	mw.opts = httpauth.AuthOptions{
		Realm: "Restricted",
		AuthFunc: func(u, pass string, r *http.Request) bool {
			ok := u == user && bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(pass)) == nil
			logging.Named("web").Infow("auth", "user", u, "ok", ok)
			return ok
		},
	}
	return mw
}

// If the session is not authenticated then use basic auth to login and start a session.
func (mw *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if session, err := mw.store.Get(r, sessionName); err == nil {
			if u, ok := session.Values[userKey].(string); ok && u == mw.user {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpauth.BasicAuth(mw.opts)(mw.startSession(next)).ServeHTTP(w, r)
	})
}

func (mw *AuthMiddleware) startSession(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, _ := mw.store.New(r, sessionName)
		session.Values[userKey] = mw.user
		if err := session.Save(r, w); err != nil {
			logging.Named("web").Errorf("error saving session: %v", err)
		}
		h.ServeHTTP(w, r)
	})
}

// HashPassword returns the bcrypt hash to use as the WebPasswordHash setting.
func HashPassword(pass string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	return string(hash), errors.Wrap(err, "hash password")
}
