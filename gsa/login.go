package gsa

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ruteri/supersign/interfaces"
	"gopkg.in/retry.v1"
	"howett.net/plist"
)

// XcodeAuthApp is the app token requested for developer services.
const XcodeAuthApp = "com.apple.gs.xcode.auth"

const (
	authTypeTrustedDevice = "trustedDeviceSecondaryAuth"
	authTypeSecondary     = "secondaryAuth"
)

// codeRetryStrategy bounds how many codes are submitted for one challenge.
var codeRetryStrategy = retry.LimitCount(3, retry.Exponential{
	Initial: 1 * time.Millisecond,
	Factor:  1,
})

// LoginState is the observable state of a LoginManager.
type LoginState int

const (
	StateIdle LoginState = iota
	StateAwaitingSecondFactor
	StateAuthenticated
	StateFailed
)

func (s LoginState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingSecondFactor:
		return "awaiting-2fa"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// loginData is the decrypted server-provided data of a completed SRP exchange.
type loginData struct {
	ADSID      string `plist:"adsid"`
	IDMSToken  string `plist:"GsIdmsToken"`
	SessionKey []byte `plist:"sk"`
	Cookie     []byte `plist:"c"`
}

func (d *loginData) identityToken() string {
	return base64.StdEncoding.EncodeToString([]byte(d.ADSID + ":" + d.IDMSToken))
}

type initResponse struct {
	Salt       []byte `plist:"s"`
	Iterations int    `plist:"i"`
	B          []byte `plist:"B"`
	Cookie     string `plist:"c"`
	Protocol   string `plist:"sp"`
}

type completeResponse struct {
	M2  []byte `plist:"M2"`
	SPD []byte `plist:"spd"`
}

type appTokensResponse struct {
	EncryptedToken []byte `plist:"et"`
}

type appTokens struct {
	Tokens map[string]struct {
		Token string `plist:"token"`
	} `plist:"t"`
}

type validateResponse struct {
	Code    int    `plist:"ec"`
	Message string `plist:"em"`
}

// LoginManager performs account logins, including the second-factor sub-protocol.
type LoginManager struct {
	client   *Client
	anisette interfaces.AnisetteDataProvider
	log      *slog.Logger

	mu    sync.Mutex
	state LoginState
}

func NewLoginManager(client *Client, anisette interfaces.AnisetteDataProvider, log *slog.Logger) *LoginManager {
	return &LoginManager{
		client:   client,
		anisette: anisette,
		log:      log,
	}
}

// State returns the current login state.
func (m *LoginManager) State() LoginState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *LoginManager) setState(s LoginState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// LogIn authenticates username and returns a developer-services token. When the
// backend demands a second factor the delegate is asked for a code; declining returns
// interfaces.ErrUserCancelled.
func (m *LoginManager) LogIn(ctx context.Context, username, password string, delegate interfaces.TwoFactorDelegate) (*interfaces.AuthToken, error) {
	m.setState(StateIdle)

	token, err := m.logIn(ctx, username, password, delegate, true)
	if err != nil {
		m.setState(StateFailed)
		if errors.Is(err, interfaces.ErrUserCancelled) {
			m.log.Info("Login cancelled", slog.String("username", username))
		} else {
			m.log.Error("Login failed", slog.String("username", username), "err", err)
		}
		return nil, err
	}

	m.setState(StateAuthenticated)
	m.log.Info("Logged in", slog.String("username", username))
	return token, nil
}

func (m *LoginManager) logIn(ctx context.Context, username, password string, delegate interfaces.TwoFactorDelegate, allowSecondFactor bool) (*interfaces.AuthToken, error) {
	data, authType, err := m.authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}

	switch authType {
	case "":
	case authTypeTrustedDevice, authTypeSecondary:
		if !allowSecondFactor {
			return nil, fmt.Errorf("second factor requested again after verification")
		}
		m.setState(StateAwaitingSecondFactor)
		endpoint := EndpointTrustedDeviceSecondaryAuth
		if authType == authTypeSecondary {
			endpoint = EndpointSecondaryAuth
		}
		if err := m.secondFactor(ctx, data, endpoint, delegate); err != nil {
			return nil, err
		}
		return m.logIn(ctx, username, password, delegate, false)
	default:
		return nil, fmt.Errorf("unsupported authentication type %q", authType)
	}

	sessionToken, err := m.fetchAppToken(ctx, data, XcodeAuthApp)
	if err != nil {
		return nil, err
	}

	return &interfaces.AuthToken{
		AccountIdentifier: username,
		ADSID:             data.ADSID,
		SessionToken:      sessionToken,
	}, nil
}

// authenticate runs the SRP exchange and returns the decrypted session data together
// with the second-factor type the backend requires, if any.
func (m *LoginManager) authenticate(ctx context.Context, username, password string) (*loginData, string, error) {
	srp, err := newSRPClient(username)
	if err != nil {
		return nil, "", err
	}

	anisette, err := m.anisette.FetchAnisetteData(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch anisette data: %w", err)
	}

	challenge, _, err := operation[initResponse](ctx, m.client, "init", username, map[string]interface{}{
		"A2k": srp.Public(),
		"ps":  []string{protocolS2K, protocolS2KFO},
	}, anisette)
	if err != nil {
		return nil, "", fmt.Errorf("init: %w", err)
	}

	passwordKey, err := derivePasswordKey(password, challenge.Salt, challenge.Iterations, challenge.Protocol)
	if err != nil {
		return nil, "", err
	}

	M1, err := srp.ProcessChallenge(challenge.Salt, challenge.B, passwordKey)
	if err != nil {
		return nil, "", err
	}

	anisette, err = m.anisette.FetchAnisetteData(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch anisette data: %w", err)
	}

	completed, status, err := operation[completeResponse](ctx, m.client, "complete", username, map[string]interface{}{
		"M1": M1,
		"c":  challenge.Cookie,
	}, anisette)
	if err != nil {
		return nil, "", fmt.Errorf("complete: %w", err)
	}

	if err := srp.VerifyServer(completed.M2); err != nil {
		return nil, "", err
	}

	plain, err := decryptSPD(srp.K, completed.SPD)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt session data: %w", err)
	}

	var data loginData
	if _, err := plist.Unmarshal(plain, &data); err != nil {
		return nil, "", fmt.Errorf("failed to decode session data: %w", err)
	}

	return &data, status.AuthType, nil
}

// secondFactor triggers the challenge and submits delegate codes until one is accepted,
// the retry budget is exhausted or the delegate declines.
func (m *LoginManager) secondFactor(ctx context.Context, data *loginData, trigger Endpoint, delegate interfaces.TwoFactorDelegate) error {
	if _, err := m.twoFactorRequest(ctx, data, trigger, nil); err != nil {
		return fmt.Errorf("failed to trigger second factor: %w", err)
	}

	var err error
	for attempt := retry.Start(codeRetryStrategy, nil); attempt.Next(); {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		code, ok := delegate.FetchCode(ctx)
		if !ok {
			return interfaces.ErrUserCancelled
		}

		err = m.validateCode(ctx, data, code)
		if err == nil {
			return nil
		}

		var opErr *OperationError
		if errors.As(err, &opErr) && opErr.Code == CodeIncorrectVerificationCode && attempt.More() {
			m.log.Warn("Incorrect verification code", slog.Int("code", opErr.Code))
			continue
		}
		return err
	}
	return err
}

func (m *LoginManager) validateCode(ctx context.Context, data *loginData, code string) error {
	body, err := m.twoFactorRequest(ctx, data, EndpointValidateCode, map[string]string{"security-code": code})
	if err != nil {
		return err
	}

	var resp validateResponse
	if _, err := plist.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to decode validation response: %w", err)
	}
	if resp.Code != 0 {
		return &OperationError{Code: resp.Code, Message: resp.Message}
	}
	return nil
}

func (m *LoginManager) twoFactorRequest(ctx context.Context, data *loginData, endpoint Endpoint, extra map[string]string) ([]byte, error) {
	url, err := m.client.lookup.URL(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	anisette, err := m.anisette.FetchAnisetteData(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch anisette data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-buddyml")
	req.Header.Set("Content-Type", "application/x-plist")
	req.Header.Set("X-Apple-App-Info", XcodeAuthApp)
	req.Header.Set(interfaces.HeaderXcodeVersion, interfaces.XcodeVersion)
	req.Header.Set("X-Apple-Identity-Token", data.identityToken())
	for k, v := range anisette.Headers() {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	resp, err := m.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s request failed with code %d", endpoint, resp.StatusCode)
	}
	return readBody(resp)
}

// fetchAppToken exchanges the session for a token scoped to app.
func (m *LoginManager) fetchAppToken(ctx context.Context, data *loginData, app string) (string, error) {
	anisette, err := m.anisette.FetchAnisetteData(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch anisette data: %w", err)
	}

	resp, _, err := operation[appTokensResponse](ctx, m.client, "apptokens", data.ADSID, map[string]interface{}{
		"app":      []string{app},
		"c":        data.Cookie,
		"t":        data.IDMSToken,
		"checksum": appTokenChecksum(data.SessionKey, data.ADSID, app),
	}, anisette)
	if err != nil {
		return "", fmt.Errorf("apptokens: %w", err)
	}

	plain, err := decryptAppToken(data.SessionKey, resp.EncryptedToken)
	if err != nil {
		return "", err
	}

	var tokens appTokens
	if _, err := plist.Unmarshal(plain, &tokens); err != nil {
		return "", fmt.Errorf("failed to decode app tokens: %w", err)
	}

	token, ok := tokens.Tokens[app]
	if !ok || token.Token == "" {
		return "", fmt.Errorf("no token issued for %s", app)
	}
	return token.Token, nil
}
