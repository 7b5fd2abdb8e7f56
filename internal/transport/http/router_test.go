package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"hearth/internal/invite"
	"hearth/internal/origin"
	"hearth/internal/passkey"
	pkmocks "hearth/internal/passkey/mocks"
	"hearth/internal/platform/metrics"
	"hearth/internal/profile"
	"hearth/internal/ratelimit/models"
	"hearth/internal/room"
	"hearth/internal/room/store"
	"hearth/internal/token"
	"hearth/internal/transport/http/mocks"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/domain"
	"hearth/pkg/platform/middleware/metadata"
	"hearth/pkg/testutil"
)

const (
	homeOrigin     = "https://home.example.com"
	recoverySecret = "correct-horse-battery-staple"
	inviteCode     = "ABCD1234EFGH5678"
)

type RouterSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	provider  *pkmocks.MockProvider
	resets    *mocks.MockPasswordResetter
	registry  *room.Registry
	authority *token.Authority
	router    http.Handler
	ctx       context.Context
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.provider = pkmocks.NewMockProvider(s.ctrl)
	s.resets = mocks.NewMockPasswordResetter(s.ctrl)

	guard := origin.New(origin.Config{
		AllowedOrigins: []string{homeOrigin},
		DevOrigins:     []string{"http://localhost:"},
	})
	s.registry = room.NewRegistry(store.NewInMemoryStore(), s.provider, guard,
		room.WithRateLimit(models.Config{Window: 15 * time.Minute, MaxFailures: 5}),
	)
	var err error
	s.authority, err = token.NewAuthority("0123456789abcdef0123456789abcdef", token.WithDefaultRoom("household"))
	s.Require().NoError(err)
	chain := token.NewChain([]token.Verifier{token.NewLocalVerifier(s.authority)})

	proxies, err := metadata.ParseTrustedProxies([]string{"10.0.0.0/8"})
	s.Require().NoError(err)
	h := New(s.registry, s.authority, chain,
		WithPasswordResetter(s.resets),
		WithRecoverySecret(recoverySecret),
		WithTrustedProxies(proxies),
	)
	s.router = NewRouter(h, guard, metrics.New(prometheus.NewRegistry()))
	s.seed()
}

// seed creates p0 (admin), p1 (parent), p2 and p3 (kids) and one invite.
func (s *RouterSuite) seed() {
	rm, err := s.registry.Open(s.ctx, "household")
	s.Require().NoError(err)
	provisional := domain.Principal{SubjectID: domain.PendingSubject, Role: domain.RoleKid}
	admin := domain.Principal{SubjectID: "p0", Role: domain.RoleAdmin}
	_, _, err = rm.Profiles.Upsert(s.ctx, profile.UpsertInput{ID: "p0", DisplayName: "Alex"}, provisional)
	s.Require().NoError(err)
	for _, in := range []profile.UpsertInput{
		{ID: "p1", DisplayName: "Sam", Role: "parent"},
		{ID: "p2", DisplayName: "Jo", Role: "kid"},
		{ID: "p3", DisplayName: "Max", Role: "kid"},
	} {
		_, _, err := rm.Profiles.Upsert(s.ctx, in, admin)
		s.Require().NoError(err)
	}
	s.Require().NoError(store.PutJSON(s.ctx, rm.Store, "invites", []invite.Invite{{Code: inviteCode}}))
}

func (s *RouterSuite) tokenFor(subject string, role domain.Role) string {
	issued, err := s.authority.Sign(s.ctx, domain.Principal{SubjectID: subject, Role: role, Room: "household"})
	s.Require().NoError(err)
	return issued.Token
}

type call struct {
	method string
	path   string
	body   any
	token  string
	remote string
	header map[string]string
}

func (s *RouterSuite) do(c call) *httptest.ResponseRecorder {
	req := testutil.NewJSONRequest(s.T(), c.method, c.path, c.body)
	req.Header.Set("Origin", homeOrigin)
	if c.remote != "" {
		req.RemoteAddr = c.remote
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	return testutil.DoRequest(s.router, req)
}

func (s *RouterSuite) login(code string, header map[string]string) *httptest.ResponseRecorder {
	return s.do(call{method: http.MethodPost, path: "/auth/login", body: map[string]string{"code": code}, header: header})
}

func (s *RouterSuite) loginFrom(remote, code string, header map[string]string) *httptest.ResponseRecorder {
	return s.do(call{method: http.MethodPost, path: "/auth/login", body: map[string]string{"code": code}, remote: remote, header: header})
}

func (s *RouterSuite) TestEndToEndScenario() {
	t := s.T()
	testutil.Given(t, "a stored invite and a parent profile p1", func(t *testing.T) {
		var provisional string
		testutil.When(t, "the invite is redeemed", func(t *testing.T) {
			rr := s.login(inviteCode, nil)
			testutil.AssertStatusOK(t, rr)
			provisional = testutil.UnmarshalResponse[sessionResponse](t, rr).Token
			s.NotEmpty(provisional)
		})

		var bound string
		testutil.When(t, "profile p1 is selected", func(t *testing.T) {
			rr := s.do(call{method: http.MethodPost, path: "/auth/session", body: map[string]string{"profileId": "p1"}, token: provisional})
			testutil.AssertStatusOK(t, rr)
			resp := testutil.UnmarshalResponse[sessionResponse](t, rr)
			s.Require().NotNil(resp.User)
			s.Equal("p1", resp.User.ID)
			s.Equal(domain.RoleParent, resp.User.Role)
			bound = resp.Token
		})

		testutil.Then(t, "p1 may promote p2 to admin", func(t *testing.T) {
			rr := s.do(call{method: http.MethodPatch, path: "/family/profiles/p2", body: map[string]string{"role": "admin"}, token: bound})
			testutil.AssertStatusOK(t, rr)
			s.Equal(domain.RoleAdmin, testutil.UnmarshalResponse[userResponse](t, rr).Role)
		})
	})
}

func (s *RouterSuite) TestLoginRateLimit() {
	for i := range 5 {
		rr := s.login("WRONG-"+strconv.Itoa(i), nil)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, string(dErrors.CodeUnauthorized))
	}

	rr := s.login(inviteCode, nil)
	s.LessOrEqual(testutil.AssertRateLimited(s.T(), rr), 15*60)
	testutil.AssertCORS(s.T(), rr, homeOrigin)

	other := s.loginFrom("203.0.113.9:5000", inviteCode, nil)
	testutil.AssertStatusOK(s.T(), other)
}

func (s *RouterSuite) TestForwardedHeadersFromUntrustedPeersAreIgnored() {
	for i := range 6 {
		rr := s.loginFrom("203.0.113.50:5000", "nope", map[string]string{
			"X-Forwarded-For": "198.51.100." + strconv.Itoa(i),
			"X-Real-IP":       "198.51.100.200",
		})
		if i < 5 {
			testutil.AssertStatus(s.T(), rr, http.StatusUnauthorized)
			continue
		}
		testutil.AssertRateLimited(s.T(), rr)
	}
}

func (s *RouterSuite) TestTrustedProxyForwardsTheClientAddress() {
	for range 5 {
		testutil.AssertStatus(s.T(), s.loginFrom("10.0.0.7:443", "nope", map[string]string{"X-Forwarded-For": "203.0.113.20"}), http.StatusUnauthorized)
	}
	testutil.AssertRateLimited(s.T(), s.loginFrom("10.0.0.8:443", "nope", map[string]string{"X-Forwarded-For": "203.0.113.20"}))

	// another client behind the same proxy keeps its own budget
	rr := s.loginFrom("10.0.0.7:443", inviteCode, map[string]string{"X-Forwarded-For": "203.0.113.21"})
	testutil.AssertStatusOK(s.T(), rr)
}

func (s *RouterSuite) TestMalformedLoginBodyIsRejected() {
	req := testutil.NewRawRequest(http.MethodPost, "/auth/login", `{"code":`)
	req.Header.Set("Origin", homeOrigin)
	rr := testutil.DoRequest(s.router, req)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	testutil.AssertCORS(s.T(), rr, homeOrigin)
}

func (s *RouterSuite) TestSuccessResetsFailureCount() {
	for range 4 {
		testutil.AssertStatus(s.T(), s.login("nope", nil), http.StatusUnauthorized)
	}
	testutil.AssertStatusOK(s.T(), s.login(inviteCode, nil))

	for range 5 {
		testutil.AssertStatus(s.T(), s.login("nope", nil), http.StatusUnauthorized)
	}
	testutil.AssertRateLimited(s.T(), s.login("nope", nil))
}

func (s *RouterSuite) TestInviteIsSingleUse() {
	testutil.AssertStatusOK(s.T(), s.login(inviteCode, nil))
	testutil.AssertStatus(s.T(), s.login(inviteCode, nil), http.StatusUnauthorized)
}

func (s *RouterSuite) TestProfileRules() {
	kid := s.tokenFor("p3", domain.RoleKid)
	parent := s.tokenFor("p1", domain.RoleParent)

	s.Run("kid cannot change a role", func() {
		rr := s.do(call{method: http.MethodPatch, path: "/family/profiles/p3", body: map[string]string{"role": "admin"}, token: kid})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, string(dErrors.CodeForbidden))
	})

	s.Run("kid may rename itself", func() {
		rr := s.do(call{method: http.MethodPatch, path: "/family/profiles/p3", body: map[string]string{"displayName": "Maxi"}, token: kid})
		testutil.AssertStatusOK(s.T(), rr)
	})

	s.Run("unknown patch field is rejected", func() {
		rr := s.do(call{method: http.MethodPatch, path: "/family/profiles/p3", body: map[string]string{"nickname": "M"}, token: kid})
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
	})

	s.Run("kid cannot delete", func() {
		rr := s.do(call{method: http.MethodDelete, path: "/family/profiles/p2", token: kid})
		testutil.AssertStatus(s.T(), rr, http.StatusForbidden)
	})

	s.Run("parent cannot delete itself", func() {
		rr := s.do(call{method: http.MethodDelete, path: "/family/profiles/p1", token: parent})
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
	})

	s.Run("unknown profile", func() {
		rr := s.do(call{method: http.MethodDelete, path: "/family/profiles/nobody", token: parent})
		testutil.AssertStatus(s.T(), rr, http.StatusNotFound)
	})

	s.Run("parent deletes a kid", func() {
		rr := s.do(call{method: http.MethodDelete, path: "/family/profiles/p2", token: parent})
		testutil.AssertStatus(s.T(), rr, http.StatusNoContent)

		rr = s.do(call{method: http.MethodGet, path: "/family/profiles", token: parent})
		testutil.AssertStatusOK(s.T(), rr)
		s.Len(testutil.UnmarshalResponse[profilesResponse](s.T(), rr).Profiles, 3)
	})

	s.Run("missing token", func() {
		rr := s.do(call{method: http.MethodGet, path: "/family/profiles"})
		testutil.AssertStatus(s.T(), rr, http.StatusUnauthorized)
		testutil.AssertCORS(s.T(), rr, homeOrigin)
	})
}

func (s *RouterSuite) TestUpsertReissuesToken() {
	rr := s.login(inviteCode, nil)
	provisional := testutil.UnmarshalResponse[sessionResponse](s.T(), rr).Token

	rr = s.do(call{method: http.MethodPost, path: "/family/profiles", body: map[string]string{"id": "p9", "displayName": "Newcomer"}, token: provisional})
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	resp := testutil.UnmarshalResponse[sessionResponse](s.T(), rr)
	s.Require().NotEmpty(resp.Token)
	s.Equal(domain.RoleKid, resp.User.Role)

	p, err := s.authority.Parse(s.ctx, resp.Token)
	s.Require().NoError(err)
	s.Equal("p9", p.SubjectID)

	admin := s.tokenFor("p0", domain.RoleAdmin)
	rr = s.do(call{method: http.MethodPost, path: "/family/profiles", body: map[string]string{"id": "p10", "displayName": "Guest", "role": "kid"}, token: admin})
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	s.Empty(testutil.UnmarshalResponse[sessionResponse](s.T(), rr).Token)
}

func (s *RouterSuite) TestSessionSelectionRules() {
	kid := s.tokenFor("p3", domain.RoleKid)
	rr := s.do(call{method: http.MethodPost, path: "/auth/session", body: map[string]string{"profileId": "p1"}, token: kid})
	testutil.AssertStatus(s.T(), rr, http.StatusForbidden)

	rr = s.do(call{method: http.MethodPost, path: "/auth/session", body: map[string]string{"profileId": "ghost"}, token: kid})
	testutil.AssertStatus(s.T(), rr, http.StatusNotFound)

	rm, err := s.registry.Open(s.ctx, "household")
	s.Require().NoError(err)
	_, err = rm.Profiles.AddCredential(s.ctx, "p1", profile.Credential{ID: "cred-p1"})
	s.Require().NoError(err)

	provisional := testutil.UnmarshalResponse[sessionResponse](s.T(), s.login(inviteCode, nil)).Token
	rr = s.do(call{method: http.MethodPost, path: "/auth/session", body: map[string]string{"profileId": "p1"}, token: provisional})
	testutil.AssertStatus(s.T(), rr, http.StatusForbidden)
}

func (s *RouterSuite) TestCORS() {
	s.Run("preflight", func() {
		req := httptest.NewRequest(http.MethodOptions, "/family/profiles", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rr := testutil.DoRequest(s.router, req)
		s.Equal(http.StatusNoContent, rr.Code)
		s.Empty(rr.Body.String())
		testutil.AssertCORS(s.T(), rr, "http://localhost:5173")
	})

	s.Run("unknown origin gets the first allowlisted origin", func() {
		req := httptest.NewRequest(http.MethodGet, "/passkey/check", nil)
		req.Header.Set("Origin", "https://evil.example.net")
		rr := testutil.DoRequest(s.router, req)
		s.Equal(homeOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
	})

	s.Run("unknown route still carries headers", func() {
		rr := s.do(call{method: http.MethodGet, path: "/nope"})
		testutil.AssertStatus(s.T(), rr, http.StatusNotFound)
		s.NotEmpty(rr.Header().Get("Access-Control-Allow-Methods"))
	})
}

func (s *RouterSuite) TestAdminInvites() {
	kid := s.tokenFor("p3", domain.RoleKid)
	parent := s.tokenFor("p1", domain.RoleParent)

	testutil.AssertStatus(s.T(), s.do(call{method: http.MethodPost, path: "/admin/invite", token: kid}), http.StatusForbidden)

	rr := s.do(call{method: http.MethodPost, path: "/admin/invite", token: parent})
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	minted := testutil.UnmarshalResponse[inviteResponse](s.T(), rr)
	s.Len(minted.Code, 16)
	s.Equal("p1", minted.CreatedBy)

	rr = s.do(call{method: http.MethodGet, path: "/admin/invite", token: parent})
	testutil.AssertStatusOK(s.T(), rr)
	s.Len(testutil.UnmarshalResponse[invitesResponse](s.T(), rr).Invites, 2)

	testutil.AssertStatusOK(s.T(), s.login(minted.Code, nil))
}

func (s *RouterSuite) TestRecover() {
	rr := s.do(call{method: http.MethodPost, path: "/admin/recover", header: map[string]string{"X-Recovery-Secret": "guess"}})
	testutil.AssertStatus(s.T(), rr, http.StatusUnauthorized)

	// lock the client out first: recovery must still work
	for range 5 {
		s.login("nope", nil)
	}
	rr = s.do(call{method: http.MethodPost, path: "/admin/recover", header: map[string]string{"X-Recovery-Secret": recoverySecret}})
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	code := testutil.UnmarshalResponse[inviteResponse](s.T(), rr).Code
	s.Len(code, 16)

	testutil.AssertStatusOK(s.T(), s.loginFrom("198.51.100.7:5000", code, nil))
}

func (s *RouterSuite) TestPasswordReset() {
	s.Run("mismatched passwords never reach the record store", func() {
		rr := s.do(call{method: http.MethodPost, path: "/auth/password-reset/confirm", body: passwordResetConfirmRequest{Token: "t", Password: "a", PasswordConfirm: "b"}})
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
	})

	s.Run("confirm delegates", func() {
		s.resets.EXPECT().ConfirmPasswordReset(gomock.Any(), "t", "pw", "pw").Return(nil)
		rr := s.do(call{method: http.MethodPost, path: "/auth/password-reset/confirm", body: passwordResetConfirmRequest{Token: "t", Password: "pw", PasswordConfirm: "pw"}})
		testutil.AssertStatus(s.T(), rr, http.StatusNoContent)
	})

	s.Run("upstream failure is a 500", func() {
		s.resets.EXPECT().RequestPasswordReset(gomock.Any(), "sam@example.com").
			Return(dErrors.New(dErrors.CodeUpstream, "record store unreachable"))
		rr := s.do(call{method: http.MethodPost, path: "/auth/password-reset", body: passwordResetRequest{Email: "sam@example.com"}})
		testutil.AssertStatusAndError(s.T(), rr, http.StatusInternalServerError, string(dErrors.CodeUpstream))
		s.Equal(homeOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
	})

	s.Run("request delegates", func() {
		s.resets.EXPECT().RequestPasswordReset(gomock.Any(), "sam@example.com").Return(nil)
		rr := s.do(call{method: http.MethodPost, path: "/auth/password-reset", body: passwordResetRequest{Email: "sam@example.com"}})
		testutil.AssertStatus(s.T(), rr, http.StatusNoContent)
	})
}

func (s *RouterSuite) TestPasskeyCeremonies() {
	kid := s.tokenFor("p3", domain.RoleKid)

	rr := s.do(call{method: http.MethodGet, path: "/passkey/check"})
	testutil.AssertStatusOK(s.T(), rr)
	s.False(testutil.UnmarshalResponse[checkResponse](s.T(), rr).HasCredentials)

	s.provider.EXPECT().BeginRegistration(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(json.RawMessage(`{"publicKey":{}}`), []byte("reg"), nil)
	rr = s.do(call{method: http.MethodPost, path: "/passkey/register/options", token: kid})
	testutil.AssertStatusOK(s.T(), rr)
	regOpts := testutil.UnmarshalResponse[passkey.Options](s.T(), rr)

	s.provider.EXPECT().FinishRegistration(gomock.Any(), gomock.Any(), gomock.Any(), []byte("reg"), gomock.Any()).
		Return(profile.Credential{ID: "cred-p3"}, nil)
	rr = s.do(call{method: http.MethodPost, path: "/passkey/register/verify", token: kid, body: ceremonyVerifyRequest{
		SessionID: regOpts.SessionID, Response: json.RawMessage(`{"id":"cred-p3"}`), DeviceLabel: "Max's tablet",
	}})
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	s.Equal("Max's tablet", testutil.UnmarshalResponse[passkeyResponse](s.T(), rr).DeviceLabel)

	rr = s.do(call{method: http.MethodGet, path: "/passkey/check"})
	s.True(testutil.UnmarshalResponse[checkResponse](s.T(), rr).HasCredentials)

	s.provider.EXPECT().BeginAuthentication(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(json.RawMessage(`{"publicKey":{}}`), []byte("auth"), nil)
	rr = s.do(call{method: http.MethodPost, path: "/passkey/auth/options"})
	testutil.AssertStatusOK(s.T(), rr)
	authOpts := testutil.UnmarshalResponse[passkey.Options](s.T(), rr)

	s.provider.EXPECT().FinishAuthentication(gomock.Any(), gomock.Any(), []byte("auth"), gomock.Any(), gomock.Any()).
		Return(passkey.Assertion{CredentialID: "cred-p3", SignCount: 1}, nil)
	verify := call{method: http.MethodPost, path: "/passkey/auth/verify", body: ceremonyVerifyRequest{
		SessionID: authOpts.SessionID, Response: json.RawMessage(`{"id":"cred-p3"}`),
	}}
	rr = s.do(verify)
	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[sessionResponse](s.T(), rr)
	s.Equal("p3", resp.User.ID)
	s.NotEmpty(resp.Token)

	rr = s.do(verify)
	testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)

	rr = s.do(call{method: http.MethodDelete, path: "/passkey/credentials/cred-p3", token: kid})
	testutil.AssertStatus(s.T(), rr, http.StatusNoContent)
}

func (s *RouterSuite) TestRoomsAreSeparate() {
	parent := s.tokenFor("p1", domain.RoleParent)

	rr := s.do(call{method: http.MethodGet, path: "/rooms/cabin/family/profiles", token: parent})
	testutil.AssertStatus(s.T(), rr, http.StatusUnauthorized)

	rr = s.do(call{method: http.MethodGet, path: "/rooms/household/family/profiles", token: parent})
	testutil.AssertStatusOK(s.T(), rr)

	rr = s.do(call{method: http.MethodGet, path: "/rooms/Bad:Name/passkey/check"})
	testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
}

func (s *RouterSuite) TestMe() {
	rr := s.do(call{method: http.MethodGet, path: "/auth/me", token: s.tokenFor("p1", domain.RoleParent)})
	testutil.AssertStatusOK(s.T(), rr)
	me := testutil.UnmarshalResponse[meResponse](s.T(), rr)
	s.Equal("household", me.Room)
	s.False(me.Provisional)
	s.Require().NotNil(me.User)
	s.Equal("Sam", me.User.DisplayName)
}
