package devservices

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/smallstep/pkcs7"
	"howett.net/plist"
)

type mockCertificate struct {
	Certificate
	revoked bool
}

type mockProfile struct {
	Profile
	appIDID string
}

// MockServer is an in-memory developer services backend. Certificates are issued by a
// throwaway CA and profiles are signed with it, so both parse like real ones.
type MockServer struct {
	// SessionToken, when set, must be presented as X-Apple-GS-Token.
	SessionToken string
	// CertificateQuota limits live certificates per team. Zero means unlimited.
	CertificateQuota int
	// FailAction makes every request for that sub-action fail with FailCode.
	FailAction string
	FailCode   int

	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	mu          sync.Mutex
	nextID      int
	calls       map[string]int
	teams       []Team
	devices     map[string][]Device
	certs       map[string][]*mockCertificate
	appIDs      map[string][]AppID
	groups      map[string][]AppGroup
	assignments map[string][]string
	profiles    map[string][]*mockProfile
}

// NewMockServer creates a server with no teams.
func NewMockServer() (*MockServer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Mock Worldwide Developer Relations"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	ca, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &MockServer{
		caCert:      ca,
		caKey:       key,
		calls:       make(map[string]int),
		devices:     make(map[string][]Device),
		certs:       make(map[string][]*mockCertificate),
		appIDs:      make(map[string][]AppID),
		groups:      make(map[string][]AppGroup),
		assignments: make(map[string][]string),
		profiles:    make(map[string][]*mockProfile),
	}, nil
}

// AddTeam registers a team with an iOS membership.
func (s *MockServer) AddTeam(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams = append(s.teams, Team{
		ID:          id,
		Name:        name,
		Status:      "active",
		Type:        "Individual",
		Memberships: []Membership{{Name: "Free Developer Program", Platform: string(PlatformIOS), Status: "active"}},
	})
}

// Calls returns how many times a sub-action was requested.
func (s *MockServer) Calls(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[action]
}

// AppIDs returns the app ids registered with a team.
func (s *MockServer) AppIDs(teamID string) []AppID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AppID(nil), s.appIDs[teamID]...)
}

// AppGroups returns the app groups registered with a team.
func (s *MockServer) AppGroups(teamID string) []AppGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AppGroup(nil), s.groups[teamID]...)
}

// Certificates returns the live certificates of a team.
func (s *MockServer) Certificates(teamID string) []Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveCertificates(teamID)
}

// AssignedGroups returns the remote group ids assigned to an app id.
func (s *MockServer) AssignedGroups(appIDID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.assignments[appIDID]...)
}

// Handler returns the HTTP handler serving the developer services routes.
func (s *MockServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/services/"+protocolVersion+"/{action}.action", s.handle)
	r.Post("/services/"+protocolVersion+"/{platform}/{action}.action", s.handle)
	return r
}

func (s *MockServer) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s%06d", prefix, s.nextID)
}

func (s *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req map[string]interface{}
	if _, err := plist.Unmarshal(data, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	str := func(key string) string {
		v, _ := req[key].(string)
		return v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[action]++

	if s.SessionToken != "" && r.Header.Get("X-Apple-GS-Token") != s.SessionToken {
		writeMockResult(w, CodeSessionExpired, "Your session has expired. Please log in.", "", nil)
		return
	}
	if action == s.FailAction {
		writeMockResult(w, s.FailCode, "Injected failure", "", nil)
		return
	}

	team := str("teamId")
	if action != "listTeams" && !s.hasTeam(team) {
		writeMockResult(w, 1100, "No team found", "", nil)
		return
	}

	switch action {
	case "listTeams":
		writeMockResult(w, 0, "", "teams", s.teams)

	case "listDevices":
		writeMockResult(w, 0, "", "devices", nonNil(s.devices[team]))
	case "addDevice":
		device := Device{ID: s.id("D"), Name: str("name"), UDID: str("deviceNumber"), Platform: chi.URLParam(r, "platform"), Status: "c"}
		s.devices[team] = append(s.devices[team], device)
		writeMockResult(w, 0, "", "device", device)

	case "listAllDevelopmentCerts":
		writeMockResult(w, 0, "", "certificates", nonNil(s.liveCertificates(team)))
	case "submitDevelopmentCSR":
		if s.CertificateQuota > 0 && len(s.liveCertificates(team)) >= s.CertificateQuota {
			writeMockResult(w, CodeCertificateQuota, "You already have a current certificate or a pending request.", "", nil)
			return
		}
		cert, err := s.issue(team, str("csrContent"), str("machineName"), str("machineId"))
		if err != nil {
			writeMockResult(w, 3250, err.Error(), "", nil)
			return
		}
		writeMockResult(w, 0, "", "certRequest", CSRResponse{ID: s.id("R"), SerialNumber: cert.SerialNumber, Status: 4})
	case "revokeDevelopmentCert":
		serial := str("serialNumber")
		for _, c := range s.certs[team] {
			if c.SerialNumber == serial {
				c.revoked = true
			}
		}
		writeMockResult(w, 0, "", "", nil)

	case "listAppIds":
		writeMockResult(w, 0, "", "appIds", nonNil(s.appIDs[team]))
	case "addAppId":
		identifier := str("identifier")
		for _, a := range s.appIDs[team] {
			if strings.EqualFold(a.Identifier, identifier) {
				writeMockResult(w, 9401, "An App ID with Identifier '"+identifier+"' is not available.", "", nil)
				return
			}
		}
		appID := AppID{ID: s.id("A"), Identifier: identifier, Name: str("name"), Features: requestFeatures(req), ExpirationDate: time.Now().Add(7 * 24 * time.Hour)}
		s.appIDs[team] = append(s.appIDs[team], appID)
		writeMockResult(w, 0, "", "appId", appID)
	case "updateAppId":
		for i, a := range s.appIDs[team] {
			if a.ID == str("appIdId") {
				for k, v := range requestFeatures(req) {
					s.appIDs[team][i].Features[k] = v
				}
				writeMockResult(w, 0, "", "appId", s.appIDs[team][i])
				return
			}
		}
		writeMockResult(w, 35, "App ID not found", "", nil)

	case "listApplicationGroups":
		writeMockResult(w, 0, "", "applicationGroupList", nonNil(s.groups[team]))
	case "addApplicationGroup":
		identifier := str("identifier")
		for _, g := range s.groups[team] {
			if strings.EqualFold(g.Identifier, identifier) {
				writeMockResult(w, 9401, "An App Group with Identifier '"+identifier+"' is not available.", "", nil)
				return
			}
		}
		group := AppGroup{ID: s.id("G"), Identifier: identifier, Name: str("name")}
		s.groups[team] = append(s.groups[team], group)
		writeMockResult(w, 0, "", "applicationGroup", group)
	case "assignApplicationGroupToAppId":
		appIDID, groupID := str("appIdId"), str("applicationGroups")
		for _, assigned := range s.assignments[appIDID] {
			if assigned == groupID {
				writeMockResult(w, 0, "", "", nil)
				return
			}
		}
		s.assignments[appIDID] = append(s.assignments[appIDID], groupID)
		writeMockResult(w, 0, "", "", nil)

	case "downloadTeamProvisioningProfile":
		appIDID := str("appIdId")
		for _, p := range s.profiles[team] {
			if p.appIDID == appIDID {
				writeMockResult(w, 0, "", "provisioningProfile", p.Profile)
				return
			}
		}
		profile, err := s.generateProfile(team, appIDID)
		if err != nil {
			writeMockResult(w, 8101, err.Error(), "", nil)
			return
		}
		s.profiles[team] = append(s.profiles[team], profile)
		writeMockResult(w, 0, "", "provisioningProfile", profile.Profile)
	case "deleteProvisioningProfile":
		profiles := s.profiles[team][:0]
		for _, p := range s.profiles[team] {
			if p.ID != str("provisioningProfileId") {
				profiles = append(profiles, p)
			}
		}
		s.profiles[team] = profiles
		writeMockResult(w, 0, "", "", nil)

	default:
		http.NotFound(w, r)
	}
}

func (s *MockServer) hasTeam(id string) bool {
	for _, t := range s.teams {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (s *MockServer) liveCertificates(team string) []Certificate {
	var live []Certificate
	for _, c := range s.certs[team] {
		if !c.revoked {
			live = append(live, c.Certificate)
		}
	}
	return live
}

func (s *MockServer) issue(team, csrPEM, machineName, machineID string) (*mockCertificate, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil {
		return nil, fmt.Errorf("invalid CSR")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         "Apple Development: Mock (" + team + ")",
			OrganizationalUnit: []string{team},
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(7 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		return nil, err
	}
	serialHex, err := CertificateSerial(der)
	if err != nil {
		return nil, err
	}

	cert := &mockCertificate{Certificate: Certificate{
		ID:             s.id("C"),
		SerialNumber:   serialHex,
		Name:           template.Subject.CommonName,
		MachineName:    machineName,
		MachineID:      machineID,
		Status:         "Issued",
		Content:        der,
		ExpirationDate: template.NotAfter,
	}}
	s.certs[team] = append(s.certs[team], cert)
	return cert, nil
}

func (s *MockServer) generateProfile(team, appIDID string) (*mockProfile, error) {
	var appID *AppID
	for i := range s.appIDs[team] {
		if s.appIDs[team][i].ID == appIDID {
			appID = &s.appIDs[team][i]
		}
	}
	if appID == nil {
		return nil, fmt.Errorf("app id %s not found", appIDID)
	}

	certs := []interface{}{}
	for _, c := range s.liveCertificates(team) {
		certs = append(certs, c.Content)
	}
	devices := []interface{}{}
	for _, d := range s.devices[team] {
		devices = append(devices, d.UDID)
	}

	entitlements := map[string]interface{}{
		EntitlementAppIdentifier:  team + "." + appID.Identifier,
		EntitlementTeamIdentifier: team,
		EntitlementGetTaskAllow:   true,
		EntitlementKeychainGroups: []interface{}{team + ".*"},
	}
	var groups []interface{}
	for _, groupID := range s.assignments[appIDID] {
		for _, g := range s.groups[team] {
			if g.ID == groupID {
				groups = append(groups, g.Identifier)
			}
		}
	}
	if len(groups) > 0 {
		entitlements[EntitlementAppGroups] = groups
	}

	now := time.Now().UTC().Truncate(time.Second)
	profileUUID := strings.ToUpper(uuid.NewString())
	name := "iOS Team Provisioning Profile: " + appID.Identifier
	payload := map[string]interface{}{
		"AppIDName":                   appID.Name,
		"ApplicationIdentifierPrefix": []interface{}{team},
		"CreationDate":                now,
		"ExpirationDate":              now.Add(7 * 24 * time.Hour),
		"Name":                        name,
		"TeamIdentifier":              []interface{}{team},
		"TeamName":                    "Mock Team",
		"UUID":                        profileUUID,
		"Version":                     1,
		"DeveloperCertificates":       certs,
		"ProvisionedDevices":          devices,
		"Entitlements":                entitlements,
	}
	content, err := plist.Marshal(payload, plist.XMLFormat)
	if err != nil {
		return nil, err
	}

	signed, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, err
	}
	if err := signed.AddSigner(s.caCert, s.caKey, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, err
	}
	der, err := signed.Finish()
	if err != nil {
		return nil, err
	}

	return &mockProfile{
		Profile: Profile{
			ID:             s.id("P"),
			UUID:           profileUUID,
			Name:           name,
			Encoded:        der,
			ExpirationDate: now.Add(7 * 24 * time.Hour),
		},
		appIDID: appIDID,
	}, nil
}

func requestFeatures(req map[string]interface{}) map[string]interface{} {
	features := map[string]interface{}{}
	for _, feature := range entitlementFeatures {
		if v, ok := req[feature]; ok {
			features[feature] = v
		}
	}
	return features
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func writeMockResult(w http.ResponseWriter, code int, message, key string, value interface{}) {
	response := map[string]interface{}{
		"resultCode":      code,
		"protocolVersion": protocolVersion,
		"requestId":       strings.ToUpper(uuid.NewString()),
	}
	if message != "" {
		response["userString"] = message
		response["resultString"] = message
	}
	if key != "" {
		response[key] = value
	}

	data, err := plist.Marshal(response, plist.XMLFormat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/x-xml-plist")
	w.Write(data)
}
