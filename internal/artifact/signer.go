package artifact

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by URLSigner.
var (
	ErrInvalidDownloadToken = errors.New("invalid download token")
	ErrExpiredDownloadToken = errors.New("download token has expired")
)

// DownloadClaims is the payload of a signed download token.
type DownloadClaims struct {
	Key      string `json:"key"`
	Filename string `json:"filename"`
	jwt.RegisteredClaims
}

// URLSigner issues time-limited download URLs for artifact keys. The object
// store behind BaseURL verifies the token.
type URLSigner struct {
	baseURL string
	secret  []byte
	expiry  time.Duration
	now     func() time.Time
}

// NewURLSigner creates a signer. expiry defaults to one hour.
func NewURLSigner(baseURL string, secret []byte, expiry time.Duration) *URLSigner {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &URLSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		expiry:  expiry,
		now:     time.Now,
	}
}

// Sign returns a URL for loc and the time it stops being valid.
func (s *URLSigner) Sign(loc Location) (string, time.Time, error) {
	if loc.Key == "" {
		return "", time.Time{}, fmt.Errorf("signing download url: empty key")
	}

	now := s.now()
	exp := now.Add(s.expiry)
	claims := DownloadClaims{
		Key:      loc.Key,
		Filename: loc.Filename,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   loc.Key,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing download url: %w", err)
	}

	q := url.Values{}
	q.Set("token", token)
	if loc.Filename != "" {
		q.Set("filename", loc.Filename)
	}
	return s.baseURL + "/" + url.PathEscape(loc.Key) + "?" + q.Encode(), exp, nil
}

// Verify checks a download token and returns its claims.
func (s *URLSigner) Verify(tokenString string) (*DownloadClaims, error) {
	claims := &DownloadClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredDownloadToken
		}
		return nil, ErrInvalidDownloadToken
	}
	return claims, nil
}
