package providerlib_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CamberLoid/Satori/internal/controller"
	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/key"
	"github.com/CamberLoid/Satori/internal/providerlib"
	"github.com/CamberLoid/Satori/internal/restfulpayload"
	"github.com/CamberLoid/Satori/internal/session"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDomain 记录收到的会话
type fakeDomain struct {
	mu        sync.Mutex
	intakes   []restfulpayload.SessionIntake
	cancelled []uuid.UUID
	fail      error
}

func (d *fakeDomain) SubmitSession(_ context.Context, intake restfulpayload.SessionIntake) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.intakes = append(d.intakes, intake)
	return nil
}

func (d *fakeDomain) CancelSession(_ context.Context, requestID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, requestID)
	return nil
}

type fixture struct {
	provider *providerlib.Provider
	domain   *fakeDomain
	signer   *key.SigningKeyChain
	now      time.Time
}

func newFixture(t testing.TB) *fixture {
	db, err := providerlib.OpenDatabase("sqlite", filepath.Join(t.TempDir(), "provider.db"))
	require.NoError(t, err)
	signer, err := key.GenerateSigningKey()
	require.NoError(t, err)

	f := &fixture{domain: &fakeDomain{}, signer: signer, now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.provider = providerlib.New(db, signer, f.domain, 10*time.Minute)
	f.provider.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) register(t testing.TB) uuid.UUID {
	s, err := f.provider.RegisterSubject(restfulpayload.RegisterSubjectReq{
		Name:           "alice",
		EncryptedValue: []byte("ciphertext of 123-45-6789"),
		Questions:      []restfulpayload.QuestionReq{{Question: "capital of France?", Answer: "Paris"}},
	})
	require.NoError(t, err)
	return s.Identifier
}

func TestRegisterSubject(t *testing.T) {
	f := newFixture(t)
	id := f.register(t)

	s, err := f.provider.Subject(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Name)
	require.Len(t, s.Questions, 1)
	assert.Equal(t, session.HashAnswer("Paris"), s.Questions[0].HashedAnswer)

	_, err = f.provider.RegisterSubject(restfulpayload.RegisterSubjectReq{Name: "bob"})
	assert.True(t, errcode.Is(err, errcode.KindMissingField), "got %v", err)

	_, err = f.provider.Subject(uuid.New())
	assert.True(t, errcode.Is(err, errcode.KindNotFound), "got %v", err)
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	id := f.register(t)

	s, err := f.provider.CreateSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, session.AwaitingClientKeys, s.State)
	assert.Len(t, s.Code, 10)

	require.Len(t, f.domain.intakes, 1)
	intake := f.domain.intakes[0]
	assert.Equal(t, s.RequestID, intake.RequestID)
	assert.Equal(t, "capital of France?", intake.Question)
	assert.Equal(t, s.Code, intake.Code)

	// 计算域能用 SP 公钥验证转交的会话
	assert.NoError(t, intake.Session().VerifyStamp(f.signer.PublicKey))
}

func TestCreateSessionWithoutQuestion(t *testing.T) {
	f := newFixture(t)
	s, err := f.provider.RegisterSubject(restfulpayload.RegisterSubjectReq{Name: "bob", EncryptedValue: []byte{1}})
	require.NoError(t, err)

	_, err = f.provider.CreateSession(context.Background(), s.Identifier)
	assert.True(t, errcode.Is(err, errcode.KindSessionCreate), "got %v", err)
	assert.Empty(t, f.domain.intakes)
}

func TestCreateSessionDomainDown(t *testing.T) {
	f := newFixture(t)
	id := f.register(t)
	f.domain.fail = errors.New("connection refused")

	_, err := f.provider.CreateSession(context.Background(), id)
	assert.True(t, errcode.Is(err, errcode.KindSessionCreate), "got %v", err)
}

func TestSnapshotChanged(t *testing.T) {
	f := newFixture(t)
	id := f.register(t)
	s, err := f.provider.CreateSession(context.Background(), id)
	require.NoError(t, err)

	valid, err := f.provider.CheckSnapshot(s.RequestID, s.ValueDigest)
	require.NoError(t, err)
	assert.True(t, valid)

	require.NoError(t, f.provider.UpdateSubjectValue(id, []byte("ciphertext of 987-65-4321")))

	valid, err = f.provider.CheckSnapshot(s.RequestID, s.ValueDigest)
	require.NoError(t, err)
	assert.False(t, valid)

	got, err := f.provider.Session(s.RequestID)
	require.NoError(t, err)
	assert.Equal(t, session.Cancelled, got.State)
	assert.Equal(t, session.ReasonValueChanged, got.Reason)
}

func testChallenge(t testing.TB, f *fixture, answer string) (bool, *session.Session, error) {
	id := f.register(t)
	s, err := f.provider.CreateSession(context.Background(), id)
	if err != nil {
		return false, nil, err
	}
	if _, err = f.provider.Outcome(s.RequestID, restfulpayload.OutcomeNotice{State: session.ChallengePending}); err != nil {
		return false, nil, err
	}
	accepted, err := f.provider.VerifyChallenge(s.RequestID, session.SecureCode(session.HashAnswer(answer), s.Code))
	if err != nil {
		return false, nil, err
	}
	got, err := f.provider.Session(s.RequestID)
	return accepted, got, err
}

func TestChallengeAccepted(t *testing.T) {
	f := newFixture(t)
	accepted, s, err := testChallenge(t, f, " Paris ")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, session.Succeeded, s.State)
}

func TestChallengeRejected(t *testing.T) {
	f := newFixture(t)
	accepted, s, err := testChallenge(t, f, "Lyon")
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, session.FailedChallenge, s.State)

	// 终态之后不能再应答
	_, err = f.provider.VerifyChallenge(s.RequestID, "anything")
	assert.True(t, errcode.Is(err, errcode.KindFailedChallenge), "got %v", err)
}

func TestChallengeBeforeComparison(t *testing.T) {
	f := newFixture(t)
	s, err := f.provider.CreateSession(context.Background(), f.register(t))
	require.NoError(t, err)

	_, err = f.provider.VerifyChallenge(s.RequestID, session.SecureCode(session.HashAnswer("Paris"), s.Code))
	assert.True(t, errcode.Is(err, errcode.KindInvalidTransition), "got %v", err)
}

func TestExpiry(t *testing.T) {
	f := newFixture(t)
	s, err := f.provider.CreateSession(context.Background(), f.register(t))
	require.NoError(t, err)
	_, err = f.provider.Outcome(s.RequestID, restfulpayload.OutcomeNotice{State: session.ChallengePending})
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Minute)

	_, err = f.provider.VerifyChallenge(s.RequestID, session.SecureCode(session.HashAnswer("Paris"), s.Code))
	assert.True(t, errcode.Is(err, errcode.KindExpired), "got %v", err)
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	id := f.register(t)
	for i := 0; i < 3; i++ {
		_, err := f.provider.CreateSession(context.Background(), id)
		require.NoError(t, err)
	}

	n, err := f.provider.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.now = f.now.Add(11 * time.Minute)
	n, err = f.provider.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	s, err := f.provider.CreateSession(context.Background(), f.register(t))
	require.NoError(t, err)

	require.NoError(t, f.provider.Cancel(context.Background(), s.RequestID, session.ReasonClient, true))
	assert.Equal(t, []uuid.UUID{s.RequestID}, f.domain.cancelled)

	err = f.provider.Cancel(context.Background(), s.RequestID, session.ReasonClient, true)
	assert.True(t, errcode.Is(err, errcode.KindCancelled), "got %v", err)

	// 计算域随后报告同样的终态
	got, err := f.provider.Outcome(s.RequestID, restfulpayload.OutcomeNotice{State: session.Cancelled})
	require.NoError(t, err)
	assert.Equal(t, session.Cancelled, got.State)
}

func TestOutcomeRejectsSucceeded(t *testing.T) {
	f := newFixture(t)
	s, err := f.provider.CreateSession(context.Background(), f.register(t))
	require.NoError(t, err)

	_, err = f.provider.Outcome(s.RequestID, restfulpayload.OutcomeNotice{State: session.Succeeded})
	assert.True(t, errcode.Is(err, errcode.KindInvalidTransition), "got %v", err)
}

// --- HTTP ---

func newServer(t *testing.T, f *fixture) *httptest.Server {
	router, err := controller.NewRouter(&providerlib.ProviderController{
		GroupName: "/",
		Provider:  f.provider,
		DomainURL: "http://domain.example",
	})
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestControllerLoginAndChallenge(t *testing.T) {
	f := newFixture(t)
	srv := newServer(t, f)
	ctx := context.Background()

	var reg restfulpayload.RegisterSubjectResp
	require.NoError(t, restfulpayload.DoJSON(ctx, nil, http.MethodPost, srv.URL+"/subjects", restfulpayload.RegisterSubjectReq{
		Name:           "alice",
		EncryptedValue: []byte("ciphertext"),
		Questions:      []restfulpayload.QuestionReq{{Question: "capital of France?", HashedAnswer: session.HashAnswer("Paris")}},
	}, &reg))

	var login restfulpayload.LoginResp
	require.NoError(t, restfulpayload.DoJSON(ctx, nil, http.MethodPost, srv.URL+"/login/"+reg.SubjectID.String(), nil, &login))
	assert.Equal(t, "http://domain.example", login.DomainURL)
	require.Len(t, f.domain.intakes, 1)
	intake := f.domain.intakes[0]

	var snap restfulpayload.SnapshotResp
	require.NoError(t, restfulpayload.DoJSON(ctx, nil, http.MethodGet,
		srv.URL+"/snapshot/"+login.RequestID.String()+"?digest="+intake.ValueDigest, nil, &snap))
	assert.True(t, snap.Valid)

	require.NoError(t, restfulpayload.DoJSON(ctx, nil, http.MethodPost, srv.URL+"/outcome/"+login.RequestID.String(),
		restfulpayload.OutcomeNotice{State: session.ChallengePending}, nil))

	var result restfulpayload.ChallengeResult
	require.NoError(t, restfulpayload.DoJSON(ctx, nil, http.MethodPost, srv.URL+"/challenge/"+login.RequestID.String(),
		restfulpayload.ChallengeForward{SecureCode: session.SecureCode(session.HashAnswer("Paris"), intake.Code)}, &result))
	assert.True(t, result.Accepted)
	assert.Equal(t, session.Succeeded, result.State)
}

func TestControllerErrors(t *testing.T) {
	f := newFixture(t)
	srv := newServer(t, f)
	ctx := context.Background()

	err := restfulpayload.DoJSON(ctx, nil, http.MethodGet, srv.URL+"/sessions/"+uuid.NewString(), nil, nil)
	var rerr *restfulpayload.RemoteError
	require.True(t, errors.As(err, &rerr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, rerr.StatusCode)
	assert.True(t, errcode.Is(err, errcode.KindNotFound))

	resp, err := http.Get(srv.URL + "/sessions/not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var failure restfulpayload.Failure
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&failure))
	assert.True(t, strings.Contains(failure.Err, "会话 ID 无效"))
}
