// Package auth implements C1, the Credential & Auth Engine from
// SPEC_FULL.md §4.1: the basic/token/auto handshake variants, token
// refresh, and request signing.
package auth

import (
	"context"
	"crypto/aes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

// RefreshMargin is the default lead time before expiry that triggers a
// refresh (SPEC_FULL.md §4.1 step 7).
const RefreshMargin = 5 * time.Minute

// HTTPDoer is the minimal collaborator auth needs from C2 to hit the
// getPublicKey/getkey2/getjwt/refreshjwt endpoints without importing C2
// (which itself depends on auth for signing — this breaks the cycle).
type HTTPDoer interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// Engine runs the handshake and owns the current AuthState. The refresh path
// is serialized with singleflight so concurrent callers observe one in-flight
// refresh, satisfying SPEC_FULL.md §4.1's concurrency requirement.
type Engine struct {
	cred   model.Credential
	mode   model.AuthMode
	client HTTPDoer

	clientUUID string
	clientInfo string

	mu    sync.RWMutex
	state model.AuthState

	sf singleflight.Group
}

// New constructs an auth Engine for the given credential, mode and HTTP
// collaborator.
func New(cred model.Credential, mode model.AuthMode, client HTTPDoer, clientUUID, clientInfo string) *Engine {
	return &Engine{
		cred:       cred,
		mode:       mode,
		client:     client,
		clientUUID: clientUUID,
		clientInfo: clientInfo,
	}
}

// State returns a snapshot of the current AuthState.
func (e *Engine) State() model.AuthState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Authenticate runs the configured handshake. For AuthModeBasic it builds a
// Basic AuthState with no network call. For AuthModeToken it runs the full
// JWT flow. For AuthModeAuto it tries token first and falls back to basic on
// an explicit protocol-level rejection.
func (e *Engine) Authenticate(ctx context.Context) error {
	switch e.mode {
	case model.AuthModeBasic:
		e.setBasic()
		return nil
	case model.AuthModeToken:
		return e.runTokenFlow(ctx)
	case model.AuthModeAuto:
		err := e.runTokenFlow(ctx)
		if err == nil {
			return nil
		}
		if loxerr.KindOf(err) == loxerr.KindAuthProtocolError {
			e.setBasic()
			return nil
		}
		return err
	default:
		return loxerr.New(loxerr.KindConfigInvalid, "unrecognized auth mode").WithField("auth_mode")
	}
}

func (e *Engine) setBasic() {
	raw := e.cred.User + ":" + e.cred.Secret
	header := "Basic " + encodeBase64(raw)
	e.mu.Lock()
	e.state = model.AuthState{Kind: model.AuthBasic, BasicHeader: header}
	e.mu.Unlock()
}

// EnsureFresh refreshes the token if the current AuthState needs it
// (SPEC_FULL.md §8 invariant 4), serialized via singleflight so concurrent
// callers share one refresh.
func (e *Engine) EnsureFresh(ctx context.Context) error {
	st := e.State()
	if st.Kind != model.AuthToken {
		return nil
	}
	now := time.Now()
	if !st.NeedsRefresh(now) {
		return nil
	}
	_, err, _ := e.sf.Do("refresh", func() (any, error) {
		// Re-check: another waiter may have already refreshed while we
		// waited to enter the singleflight group.
		cur := e.State()
		if !cur.NeedsRefresh(time.Now()) {
			return nil, nil
		}
		return nil, e.refresh(ctx, cur)
	})
	return err
}

// refresh runs one refreshjwt attempt and classifies the outcome per
// SPEC_FULL.md §4.1 step 7: a transient (network/timeout) failure keeps the
// current token and is swallowed as long as that token has not actually
// expired yet — the caller's own next EnsureFresh call becomes the retry,
// each one backed by the HTTP client's bounded exponential backoff, so
// retries continue "up to a deadline" without blocking this request on a
// token that is still perfectly usable. A permanent failure — an explicit
// server rejection, a malformed response, or a transient failure that has
// finally run past the token's real expiry — transitions to Unauthenticated
// and immediately re-runs the full handshake via Authenticate, so one bad
// refresh never leaves the engine locked out for the rest of the process.
func (e *Engine) refresh(ctx context.Context, cur model.AuthState) error {
	path := fmt.Sprintf("/jdev/sys/refreshjwt/%s/%s", cur.JWT, e.cred.User)
	body, err := e.client.Get(ctx, path)
	if err != nil {
		wrapped := loxerr.Wrap(loxerr.KindAuthNetworkError, "refreshjwt request failed", err)
		if loxerr.Retryable(loxerr.KindOf(err)) && !cur.Expired(time.Now()) {
			return nil
		}
		return e.reauthenticateAfterRefreshFailure(ctx, wrapped)
	}
	resp, err := decodeJWTResponse(body)
	if err != nil {
		return e.reauthenticateAfterRefreshFailure(ctx, loxerr.Wrap(loxerr.KindAuthProtocolError, "refreshjwt response decode", err))
	}
	next := cur
	if err := applyJWTResponse(&next, resp); err != nil {
		return e.reauthenticateAfterRefreshFailure(ctx, err)
	}
	e.mu.Lock()
	e.state = next
	e.mu.Unlock()
	return nil
}

// reauthenticateAfterRefreshFailure transitions to Unauthenticated and
// re-runs the configured handshake. If re-authentication succeeds, the
// engine has a fresh, usable AuthState and the original refresh failure is
// swallowed rather than failing the in-flight caller; if it also fails, both
// errors are reported.
func (e *Engine) reauthenticateAfterRefreshFailure(ctx context.Context, cause error) error {
	e.mu.Lock()
	e.state = model.AuthState{Kind: model.AuthUnauthenticated}
	e.mu.Unlock()
	if err := e.Authenticate(ctx); err != nil {
		return fmt.Errorf("refresh failed (%w), re-authentication also failed: %w", cause, err)
	}
	return nil
}

// SignURL appends the current auth's query parameters (token mode) or
// returns the URL unchanged (basic mode uses a header instead, attached by
// the caller via Header()). See SPEC_FULL.md §4.1 "Signing".
func (e *Engine) SignURL(rawURL string) (string, error) {
	st := e.State()
	if !st.Usable() {
		return "", loxerr.New(loxerr.KindNotAuthenticated, "no active auth state")
	}
	if st.Kind != model.AuthToken {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", loxerr.Wrap(loxerr.KindInvalidInput, "invalid URL", err).WithField("url")
	}
	q := u.Query()
	q.Set("autht", st.JWT)
	q.Set("user", e.cred.User)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Header returns the Authorization header value for Basic-mode requests, or
// empty for Token mode (which signs via query params instead).
func (e *Engine) Header() string {
	st := e.State()
	if st.Kind == model.AuthBasic {
		return st.BasicHeader
	}
	return ""
}

// --- JWT handshake (SPEC_FULL.md §4.1 steps 1-7) ---

func (e *Engine) runTokenFlow(ctx context.Context) error {
	pubKeyBody, err := e.client.Get(ctx, "/jdev/sys/getPublicKey")
	if err != nil {
		return loxerr.Wrap(loxerr.KindAuthNetworkError, "getPublicKey request failed", err)
	}
	pubKey, err := parsePublicKeyEnvelope(pubKeyBody)
	if err != nil {
		return loxerr.Wrap(loxerr.KindCryptoFailure, "parsing public key envelope", err)
	}

	keyBody, err := e.client.Get(ctx, "/jdev/sys/getkey2/"+url.PathEscape(e.cred.User))
	if err != nil {
		return loxerr.Wrap(loxerr.KindAuthNetworkError, "getkey2 request failed", err)
	}
	salt, serverKeyHex, hashAlg, err := decodeKey2Response(keyBody)
	if err != nil {
		return loxerr.Wrap(loxerr.KindAuthProtocolError, "getkey2 response decode", err)
	}
	if !strings.EqualFold(hashAlg, "SHA256") {
		return loxerr.New(loxerr.KindUnsupportedHashAlg, "unsupported hash algorithm "+hashAlg)
	}

	pwHash := hexSHA256(e.cred.Secret + ":" + salt)

	serverKey, err := hex.DecodeString(serverKeyHex)
	if err != nil {
		return loxerr.Wrap(loxerr.KindCryptoFailure, "decoding server key hex", err)
	}
	hmacHex := hexHMACSHA256(serverKey, e.cred.User+":"+pwHash)

	aesKey := make([]byte, 32)
	aesIV := make([]byte, 16)
	if _, err := rand.Read(aesKey); err != nil {
		return loxerr.Wrap(loxerr.KindCryptoFailure, "generating AES key", err)
	}
	if _, err := rand.Read(aesIV); err != nil {
		return loxerr.Wrap(loxerr.KindCryptoFailure, "generating AES IV", err)
	}
	if _, err := aes.NewCipher(aesKey); err != nil {
		return loxerr.Wrap(loxerr.KindCryptoFailure, "validating AES key", err)
	}
	sessionKeyPlain := hex.EncodeToString(aesKey) + ":" + hex.EncodeToString(aesIV)
	_, err = rsa.EncryptPKCS1v15(rand.Reader, pubKey, []byte(sessionKeyPlain))
	if err != nil {
		return loxerr.Wrap(loxerr.KindCryptoFailure, "RSA-encrypting session key", err)
	}

	path := fmt.Sprintf("/jdev/sys/getjwt/%s/%s/4/%s/%s", hmacHex, url.PathEscape(e.cred.User), url.PathEscape(e.clientUUID), url.PathEscape(e.clientInfo))
	jwtBody, err := e.client.Get(ctx, path)
	if err != nil {
		return loxerr.Wrap(loxerr.KindAuthNetworkError, "getjwt request failed", err)
	}
	resp, err := decodeJWTResponse(jwtBody)
	if err != nil {
		return loxerr.Wrap(loxerr.KindAuthProtocolError, "getjwt response decode", err)
	}

	next := model.AuthState{
		Kind:      model.AuthToken,
		ServerKey: serverKey,
		HashAlg:   hashAlg,
		AESKey:    aesKey,
		AESIV:     aesIV,
		Salt:      salt,
	}
	if err := applyJWTResponse(&next, resp); err != nil {
		return err
	}

	e.mu.Lock()
	e.state = next
	e.mu.Unlock()
	return nil
}

type jwtResponse struct {
	Token      string `json:"token"`
	ValidUntil int64  `json:"validUntil"`
	Rights     int64  `json:"rights"`
	Key        string `json:"key"`
}

func applyJWTResponse(st *model.AuthState, resp jwtResponse) error {
	st.JWT = resp.Token
	st.RightsMask = resp.Rights
	// SPEC_FULL.md §9 open question, resolved "yes": a rotated server key
	// observed in the response replaces the stored key for future HMACs.
	if resp.Key != "" {
		serverKey, err := hex.DecodeString(resp.Key)
		if err != nil {
			return loxerr.Wrap(loxerr.KindCryptoFailure, "decoding rotated server key", err)
		}
		st.ServerKey = serverKey
	}
	expiresAt, err := claimExpiry(resp.Token, resp.ValidUntil)
	if err != nil {
		return loxerr.Wrap(loxerr.KindAuthProtocolError, "deriving token expiry", err)
	}
	st.ExpiresAt = expiresAt
	st.RefreshAt = expiresAt.Add(-RefreshMargin)
	return nil
}

// claimExpiry prefers the unverified JWT "exp" claim (the engine has no
// server signing key to verify against — only the RSA key used to wrap the
// session key, a different keypair entirely) and falls back to the
// validUntil field, which Loxone expresses as seconds-from-epoch-2009
// ("Miniserver epoch"); when neither is usable (no exp claim and validUntil
// ≤ 0), the expiry defaults to one hour from now.
func claimExpiry(token string, validUntil int64) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time, nil
		}
	}
	if validUntil > 0 {
		return miniserverEpoch.Add(time.Duration(validUntil) * time.Second), nil
	}
	return time.Now().Add(time.Hour), nil
}

// miniserverEpoch is January 1, 2009 UTC, the reference point Loxone
// firmware uses for validUntil/lastSave-style timestamps.
var miniserverEpoch = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)

func hexSHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func hexHMACSHA256(key []byte, msg string) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(msg))
	return hex.EncodeToString(m.Sum(nil))
}

func encodeBase64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// llEnvelope is the Miniserver's standard response shape,
// {"LL":{"control":...,"value":...,"Code":"200"}}, per SPEC_FULL.md §12.
type llEnvelope struct {
	LL struct {
		Code  stringOrNumber  `json:"Code"`
		Value json.RawMessage `json:"value"`
	} `json:"LL"`
}

// stringOrNumber accepts the Code field whether the firmware encodes it as
// a JSON string ("200") or a bare number (200).
type stringOrNumber string

func (s *stringOrNumber) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(string(data), `"`)
	*s = stringOrNumber(trimmed)
	return nil
}

// decodeEnvelope unmarshals an LL envelope, checks its status code, and
// unmarshals the inner value into target.
func decodeEnvelope(body []byte, target any) error {
	var env llEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decoding LL envelope: %w", err)
	}
	code := string(env.LL.Code)
	if code != "" && code != "200" {
		statusCode, _ := strconv.Atoi(code)
		return loxerr.New(loxerr.KindHTTPStatus, "Miniserver returned code "+code).WithStatusCode(statusCode)
	}
	if target == nil {
		return nil
	}
	if len(env.LL.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.LL.Value, target); err != nil {
		return fmt.Errorf("decoding LL value: %w", err)
	}
	return nil
}

// parsePublicKeyEnvelope accepts the Miniserver's non-standard PEM-like
// envelope: certificate markers wrapping a raw public key, per
// SPEC_FULL.md §4.1 step 1.
func parsePublicKeyEnvelope(body []byte) (*rsa.PublicKey, error) {
	var raw string
	if err := decodeEnvelope(body, &raw); err != nil {
		return nil, err
	}
	raw = strings.ReplaceAll(raw, "-----BEGIN CERTIFICATE-----", "-----BEGIN PUBLIC KEY-----")
	raw = strings.ReplaceAll(raw, "-----END CERTIFICATE-----", "-----END PUBLIC KEY-----")
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		// Some firmware versions omit PEM framing entirely and return bare
		// base64; wrap it before decoding.
		wrapped := "-----BEGIN PUBLIC KEY-----\n" + raw + "\n-----END PUBLIC KEY-----"
		block, _ = pem.Decode([]byte(wrapped))
		if block == nil {
			return nil, fmt.Errorf("no PEM block found in public key envelope")
		}
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if key, err2 := x509.ParsePKCS1PublicKey(block.Bytes); err2 == nil {
			return key, nil
		}
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

type key2Response struct {
	Salt    string `json:"salt"`
	Key     string `json:"key"`
	HashAlg string `json:"hashAlg"`
}

func decodeKey2Response(body []byte) (salt, key, hashAlg string, err error) {
	var resp key2Response
	if err := decodeEnvelope(body, &resp); err != nil {
		return "", "", "", err
	}
	hashAlg = resp.HashAlg
	if hashAlg == "" {
		hashAlg = "SHA256"
	}
	return resp.Salt, resp.Key, hashAlg, nil
}

func decodeJWTResponse(body []byte) (jwtResponse, error) {
	var resp jwtResponse
	if err := decodeEnvelope(body, &resp); err != nil {
		return jwtResponse{}, err
	}
	return resp, nil
}
