package gsa

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/supersign/interfaces"
	"go.uber.org/atomic"
	"howett.net/plist"
)

// Status codes produced by MockServer.
const (
	mockCodeBadCredentials = -20101
)

// MockAccount is an account known to MockServer.
type MockAccount struct {
	Username     string
	Password     string
	ADSID        string
	SessionToken string
	// SecondFactorCode, when set, makes logins demand a trusted-device code until one
	// matching it has been validated.
	SecondFactorCode string
}

type mockHandshake struct {
	account *MockAccount
	srp     *srpServer
	A       []byte
}

type mockSession struct {
	account   *MockAccount
	idmsToken string
	sk        []byte
	cookie    []byte
}

// MockServer is an in-memory account backend serving lookup, SRP login, second factor,
// app tokens and machine provisioning. It is meant to be mounted on an httptest server.
type MockServer struct {
	mu         sync.Mutex
	accounts   map[string]*MockAccount
	handshakes map[string]*mockHandshake
	sessions   map[string]*mockSession
	validated  map[string]bool

	// Iterations is the PBKDF2 iteration count advertised on init.
	Iterations int
	// ProvisioningError, when non-zero, is returned as the status of every start provisioning call.
	ProvisioningError int

	Lookups             atomic.Int32
	StartProvisioning   atomic.Int32
	FinishProvisioning  atomic.Int32
	SecondFactorPrompts atomic.Int32
	CodeValidations     atomic.Int32
}

func NewMockServer() *MockServer {
	return &MockServer{
		accounts:   make(map[string]*MockAccount),
		handshakes: make(map[string]*mockHandshake),
		sessions:   make(map[string]*mockSession),
		validated:  make(map[string]bool),
		Iterations: 1000,
	}
}

func (s *MockServer) AddAccount(account MockAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account.ADSID == "" {
		account.ADSID = uuid.NewString()
	}
	if account.SessionToken == "" {
		account.SessionToken = uuid.NewString()
	}
	s.accounts[account.Username] = &account
}

// Handler returns the HTTP handler serving every endpoint.
func (s *MockServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/grandslam/GsService2/lookup", s.handleLookup)
	r.Post("/grandslam/GsService2", s.handleOperation)
	r.Get("/grandslam/GsService2/validate", s.handleValidate)
	r.Get("/auth/verify/trusteddevice", s.handleTrigger)
	r.Get("/auth/verify/phone", s.handleTrigger)
	r.Post("/grandslam/MidService/startMachineProvisioning", s.handleStartProvisioning)
	r.Post("/grandslam/MidService/finishMachineProvisioning", s.handleFinishProvisioning)
	return r
}

func (s *MockServer) handleLookup(w http.ResponseWriter, r *http.Request) {
	s.Lookups.Inc()
	base := "http://" + r.Host
	writePlist(w, map[string]interface{}{
		"urls": map[string]string{
			string(EndpointGsService):                  base + "/grandslam/GsService2",
			string(EndpointMidStartProvisioning):       base + "/grandslam/MidService/startMachineProvisioning",
			string(EndpointMidFinishProvisioning):      base + "/grandslam/MidService/finishMachineProvisioning",
			string(EndpointTrustedDeviceSecondaryAuth): base + "/auth/verify/trusteddevice",
			string(EndpointSecondaryAuth):              base + "/auth/verify/phone",
			string(EndpointValidateCode):               base + "/grandslam/GsService2/validate",
		},
	})
}

type mockRequest struct {
	Request map[string]interface{} `plist:"Request"`
}

func readMockRequest(r *http.Request) (map[string]interface{}, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	var req mockRequest
	if _, err := plist.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req.Request == nil {
		req.Request = map[string]interface{}{}
	}
	return req.Request, nil
}

func (s *MockServer) handleOperation(w http.ResponseWriter, r *http.Request) {
	req, err := readMockRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cpd, _ := req["cpd"].(map[string]interface{})
	if md, _ := cpd[interfaces.HeaderOTP].(string); md == "" {
		writeStatus(w, CodeAnisetteReprovisionNeeded, "Missing anisette data", nil)
		return
	}

	op, _ := req["o"].(string)
	switch op {
	case "init":
		s.handleInit(w, req)
	case "complete":
		s.handleComplete(w, req)
	case "apptokens":
		s.handleAppTokens(w, req)
	default:
		writeStatus(w, -1, fmt.Sprintf("unknown operation %q", op), nil)
	}
}

func (s *MockServer) handleInit(w http.ResponseWriter, req map[string]interface{}) {
	username, _ := req["u"].(string)
	A, _ := req["A2k"].([]byte)

	s.mu.Lock()
	account, ok := s.accounts[username]
	s.mu.Unlock()
	if !ok || len(A) == 0 {
		writeStatus(w, mockCodeBadCredentials, "Your Apple ID or password was incorrect.", nil)
		return
	}

	salt := randomBytes(16)
	passwordKey, err := derivePasswordKey(account.Password, salt, s.Iterations, protocolS2K)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	server, err := newSRPServer(username, salt, passwordKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cookie := uuid.NewString()
	s.mu.Lock()
	s.handshakes[cookie] = &mockHandshake{account: account, srp: server, A: A}
	s.mu.Unlock()

	writeStatus(w, 0, "", map[string]interface{}{
		"s":  salt,
		"i":  s.Iterations,
		"B":  server.Public(),
		"c":  cookie,
		"sp": protocolS2K,
	})
}

func (s *MockServer) handleComplete(w http.ResponseWriter, req map[string]interface{}) {
	cookie, _ := req["c"].(string)
	M1, _ := req["M1"].([]byte)

	s.mu.Lock()
	handshake, ok := s.handshakes[cookie]
	delete(s.handshakes, cookie)
	s.mu.Unlock()
	if !ok {
		writeStatus(w, mockCodeBadCredentials, "Unknown session", nil)
		return
	}

	M2, err := handshake.srp.Verify(handshake.A, M1)
	if err != nil {
		writeStatus(w, mockCodeBadCredentials, "Your Apple ID or password was incorrect.", nil)
		return
	}

	account := handshake.account
	session := &mockSession{
		account:   account,
		idmsToken: uuid.NewString(),
		sk:        randomBytes(32),
		cookie:    randomBytes(16),
	}

	plain, err := plist.Marshal(map[string]interface{}{
		"adsid":       account.ADSID,
		"GsIdmsToken": session.idmsToken,
		"sk":          session.sk,
		"c":           session.cookie,
	}, plist.XMLFormat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	spd, err := encryptSPD(handshake.srp.K, plain)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.sessions[account.ADSID] = session
	needsSecondFactor := account.SecondFactorCode != "" && !s.validated[account.ADSID]
	s.mu.Unlock()

	status := map[string]interface{}{"ec": 0, "em": ""}
	if needsSecondFactor {
		status["au"] = authTypeTrustedDevice
	}
	writePlist(w, map[string]interface{}{
		"Response": map[string]interface{}{
			"Status": status,
			"M2":     M2,
			"spd":    spd,
		},
	})
}

func (s *MockServer) handleAppTokens(w http.ResponseWriter, req map[string]interface{}) {
	adsid, _ := req["u"].(string)
	idmsToken, _ := req["t"].(string)
	checksum, _ := req["checksum"].([]byte)
	apps, _ := req["app"].([]interface{})

	s.mu.Lock()
	session, ok := s.sessions[adsid]
	s.mu.Unlock()
	if !ok || session.idmsToken != idmsToken || len(apps) != 1 {
		writeStatus(w, mockCodeBadCredentials, "Invalid session", nil)
		return
	}

	app, _ := apps[0].(string)
	if !hmac.Equal(checksum, appTokenChecksum(session.sk, adsid, app)) {
		writeStatus(w, mockCodeBadCredentials, "Invalid checksum", nil)
		return
	}

	plain, err := plist.Marshal(map[string]interface{}{
		"t": map[string]interface{}{
			app: map[string]interface{}{"token": session.account.SessionToken},
		},
	}, plist.XMLFormat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	et, err := encryptAppToken(session.sk, plain)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeStatus(w, 0, "", map[string]interface{}{"et": et})
}

// sessionForIdentity resolves the X-Apple-Identity-Token header.
func (s *MockServer) sessionForIdentity(r *http.Request) (*mockSession, bool) {
	raw, err := base64.StdEncoding.DecodeString(r.Header.Get("X-Apple-Identity-Token"))
	if err != nil {
		return nil, false
	}
	adsid, idmsToken, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[adsid]
	if !ok || session.idmsToken != idmsToken {
		return nil, false
	}
	return session, true
}

func (s *MockServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.sessionForIdentity(r); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.SecondFactorPrompts.Inc()
	w.Header().Set("Content-Type", "application/x-buddyml")
	w.WriteHeader(http.StatusOK)
}

func (s *MockServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionForIdentity(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.CodeValidations.Inc()

	if r.Header.Get("security-code") != session.account.SecondFactorCode {
		writePlist(w, map[string]interface{}{"ec": CodeIncorrectVerificationCode, "em": "Incorrect verification code."})
		return
	}

	s.mu.Lock()
	s.validated[session.account.ADSID] = true
	s.mu.Unlock()
	writePlist(w, map[string]interface{}{"ec": 0, "em": ""})
}

func (s *MockServer) handleStartProvisioning(w http.ResponseWriter, r *http.Request) {
	if _, err := readMockRequest(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := s.StartProvisioning.Inc()

	if s.ProvisioningError != 0 {
		writeStatus(w, s.ProvisioningError, "Provisioning failed", nil)
		return
	}

	writeStatus(w, 0, "", map[string]interface{}{
		"spim": base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("spim-%d", n))),
	})
}

func (s *MockServer) handleFinishProvisioning(w http.ResponseWriter, r *http.Request) {
	req, err := readMockRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.FinishProvisioning.Inc()

	cpim, _ := req["cpim"].(string)
	if _, err := base64.StdEncoding.DecodeString(cpim); err != nil || cpim == "" {
		writeStatus(w, -1, "Invalid cpim", nil)
		return
	}

	writeStatus(w, 0, "", map[string]interface{}{
		"ptm": base64.StdEncoding.EncodeToString([]byte("ptm:" + cpim)),
		"tk":  base64.StdEncoding.EncodeToString([]byte("tk")),
		interfaces.HeaderRoutingInfo: "17106176",
	})
}

func writeStatus(w http.ResponseWriter, code int, message string, payload map[string]interface{}) {
	response := map[string]interface{}{
		"Status": map[string]interface{}{"ec": code, "em": message},
	}
	for k, v := range payload {
		response[k] = v
	}
	writePlist(w, map[string]interface{}{"Response": response})
}

func writePlist(w http.ResponseWriter, v interface{}) {
	data, err := plist.Marshal(v, plist.XMLFormat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/x-xml-plist")
	io.Copy(w, bytes.NewReader(data))
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return buf
}
