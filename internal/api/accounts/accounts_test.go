package accounts

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/sensorhub/sensorhub/internal/auth"
	"github.com/sensorhub/sensorhub/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var errDB = errors.New("db error")

var userCols = []string{"id", "username", "password_hash", "recovery_secret", "role", "created_at", "updated_at"}

// ---------------------------------------------------------------------------
// Test setup helpers
// ---------------------------------------------------------------------------

func userRow(t *testing.T, password string) *sqlmock.Rows {
	t.Helper()
	return userRowWithHash(hashOf(t, password))
}

func userRowWithHash(hash string) *sqlmock.Rows {
	return sqlmock.NewRows(userCols).
		AddRow("user-1", "alice", hash, "rex", "admin", time.Now(), time.Now())
}

func hashOf(t *testing.T, password string) string {
	t.Helper()
	hash, err := auth.HashPassword(password, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return hash
}

func emptyUserRows() *sqlmock.Rows {
	return sqlmock.NewRows(userCols)
}

type testEnv struct {
	mock   sqlmock.Sqlmock
	router *gin.Engine
	tokens *auth.TokenService
}

func newAccountRouter(t *testing.T, mode string) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.AuthConfig{
		BcryptCost:    bcrypt.MinCost,
		RecoveryMode:  mode,
		ResetTokenTTL: 15 * time.Minute,
	}
	tokens := auth.NewTokenService([]byte("test-signing-key-that-is-32-chars!!"), time.Hour)
	h := NewAccountHandlers(cfg, db, tokens)

	r := gin.New()
	r.POST("/register", h.RegisterHandler())
	r.POST("/login", h.LoginHandler())
	r.POST("/recover-password", h.RecoverPasswordHandler())
	r.POST("/change-password", h.ChangePasswordHandler())

	return &testEnv{mock: mock, router: r, tokens: tokens}
}

func (e *testEnv) post(path string, body interface{}) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, jsonBody(body))
	req.Header.Set("Content-Type", "application/json")
	e.router.ServeHTTP(w, req)
	return w
}

func jsonBody(v interface{}) *bytes.Buffer {
	b, _ := json.Marshal(v)
	return bytes.NewBuffer(b)
}

func getJSON(resp *httptest.ResponseRecorder) map[string]interface{} {
	var m map[string]interface{}
	json.Unmarshal(resp.Body.Bytes(), &m)
	return m
}

func checkExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// RegisterHandler
// ---------------------------------------------------------------------------

func TestRegisterHandler_Success(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectQuery("SELECT .+ FROM users").
		WithArgs("bob").
		WillReturnRows(emptyUserRows())
	env.mock.ExpectExec("INSERT INTO users").
		WithArgs(sqlmock.AnyArg(), "bob", sqlmock.AnyArg(), "rex", "user", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := env.post("/register", map[string]string{
		"username": "bob", "password": "s3cret", "recovery_secret": "rex",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if getJSON(w)["message"] == nil {
		t.Error("response missing 'message' key")
	}
	checkExpectations(t, env.mock)
}

func TestRegisterHandler_DogNameAlias(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnRows(emptyUserRows())
	env.mock.ExpectExec("INSERT INTO users").
		WithArgs(sqlmock.AnyArg(), "bob", sqlmock.AnyArg(), "fido", "admin", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := env.post("/register", map[string]string{
		"username": "bob", "password": "s3cret", "dogName": "fido", "role": "admin",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	checkExpectations(t, env.mock)
}

func TestRegisterHandler_ExistingUser(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnRows(userRow(t, "pw"))

	w := env.post("/register", map[string]string{
		"username": "alice", "password": "other", "recovery_secret": "spot",
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if got := getJSON(w)["error"]; got != msgUserExists {
		t.Errorf("error = %v, want %q", got, msgUserExists)
	}
	checkExpectations(t, env.mock)
}

func TestRegisterHandler_UniqueViolationIsBadRequest(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnRows(emptyUserRows())
	env.mock.ExpectExec("INSERT INTO users").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_username_key"})

	w := env.post("/register", map[string]string{
		"username": "bob", "password": "pw", "recovery_secret": "rex",
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRegisterHandler_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		body map[string]string
	}{
		{"missing username", map[string]string{"password": "pw", "recovery_secret": "rex"}},
		{"blank username", map[string]string{"username": "  ", "password": "pw", "recovery_secret": "rex"}},
		{"missing password", map[string]string{"username": "bob", "recovery_secret": "rex"}},
		{"missing recovery secret", map[string]string{"username": "bob", "password": "pw"}},
		{"unknown role", map[string]string{"username": "bob", "password": "pw", "recovery_secret": "rex", "role": "root"}},
		{"password too long", map[string]string{"username": "bob", "password": string(bytes.Repeat([]byte("x"), 73)), "recovery_secret": "rex"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAccountRouter(t, config.RecoveryModeHash)
			w := env.post("/register", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			checkExpectations(t, env.mock)
		})
	}
}

func TestRegisterHandler_DBError(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnRows(emptyUserRows())
	env.mock.ExpectExec("INSERT INTO users").WillReturnError(errDB)

	w := env.post("/register", map[string]string{
		"username": "bob", "password": "pw", "recovery_secret": "rex",
	})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("db error")) {
		t.Error("store error leaked into response body")
	}
}

// ---------------------------------------------------------------------------
// LoginHandler
// ---------------------------------------------------------------------------

func TestLoginHandler_Success(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectQuery("SELECT .+ FROM users").
		WithArgs("alice").
		WillReturnRows(userRow(t, "correct-horse"))

	w := env.post("/login", map[string]string{"username": "alice", "password": "correct-horse"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	token, _ := getJSON(w)["token"].(string)
	claims, err := env.tokens.Verify(token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != "admin" {
		t.Errorf("claims = %+v, want user-1/admin", claims)
	}
}

func TestLoginHandler_UnknownUserAndWrongPasswordAreIndistinguishable(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnRows(emptyUserRows())
	unknown := env.post("/login", map[string]string{"username": "nobody", "password": "x"})

	env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnRows(userRow(t, "correct-horse"))
	wrong := env.post("/login", map[string]string{"username": "alice", "password": "x"})

	if unknown.Code != http.StatusBadRequest || wrong.Code != http.StatusBadRequest {
		t.Fatalf("status = %d/%d, want 400/400", unknown.Code, wrong.Code)
	}
	if unknown.Body.String() != wrong.Body.String() {
		t.Errorf("bodies differ: %q vs %q", unknown.Body.String(), wrong.Body.String())
	}
	checkExpectations(t, env.mock)
}

func TestLoginHandler_RepeatedFailuresReturnIdenticalBodies(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	var first string
	for i := 0; i < 3; i++ {
		env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnRows(userRow(t, "correct-horse"))
		w := env.post("/login", map[string]string{"username": "alice", "password": "wrong"})
		if i == 0 {
			first = w.Body.String()
			continue
		}
		if w.Body.String() != first {
			t.Errorf("attempt %d body = %q, want %q", i, w.Body.String(), first)
		}
	}
}

func TestLoginHandler_MissingFields(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	w := env.post("/login", map[string]string{"username": "alice"})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestLoginHandler_DBError(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnError(errDB)

	w := env.post("/login", map[string]string{"username": "alice", "password": "pw"})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ---------------------------------------------------------------------------
// RecoverPasswordHandler
// ---------------------------------------------------------------------------

func TestRecoverPasswordHandler_HashMode(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnRows(userRow(t, "pw"))

	w := env.post("/recover-password", map[string]string{"username": "alice", "recovery_secret": "rex"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	resp := getJSON(w)
	hash, _ := resp["password_hash"].(string)
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("pw")) != nil {
		t.Errorf("password_hash = %q is not the stored hash", hash)
	}
	if _, ok := resp["reset_token"]; ok {
		t.Error("hash mode must not return a reset token")
	}
}

func TestRecoverPasswordHandler_DogNameAlias(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnRows(userRow(t, "pw"))

	w := env.post("/recover-password", map[string]string{"username": "alice", "dogName": "rex"})

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRecoverPasswordHandler_Mismatch(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnRows(userRow(t, "pw"))
	wrongSecret := env.post("/recover-password", map[string]string{"username": "alice", "recovery_secret": "spot"})

	env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnRows(emptyUserRows())
	unknown := env.post("/recover-password", map[string]string{"username": "nobody", "recovery_secret": "rex"})

	if wrongSecret.Code != http.StatusBadRequest || unknown.Code != http.StatusBadRequest {
		t.Fatalf("status = %d/%d, want 400/400", wrongSecret.Code, unknown.Code)
	}
	if wrongSecret.Body.String() != unknown.Body.String() {
		t.Errorf("bodies differ: %q vs %q", wrongSecret.Body.String(), unknown.Body.String())
	}
}

func TestRecoverPasswordHandler_ResetTokenMode(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeResetToken)

	hash := hashOf(t, "pw")
	env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnRows(userRowWithHash(hash))

	w := env.post("/recover-password", map[string]string{"username": "alice", "recovery_secret": "rex"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := getJSON(w)
	if _, ok := resp["password_hash"]; ok {
		t.Error("reset_token mode must not disclose the password hash")
	}
	token, _ := resp["reset_token"].(string)
	if err := env.tokens.VerifyResetToken(token, "alice", hash); err != nil {
		t.Errorf("reset token does not verify: %v", err)
	}
}

// ---------------------------------------------------------------------------
// ChangePasswordHandler
// ---------------------------------------------------------------------------

func TestChangePasswordHandler_Success(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectExec("UPDATE users").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := env.post("/change-password", map[string]string{"username": "alice", "new_password": "new-pw"})

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	checkExpectations(t, env.mock)
}

func TestChangePasswordHandler_UnknownUser(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 0))

	w := env.post("/change-password", map[string]string{"username": "nobody", "new_password": "new-pw"})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if got := getJSON(w)["error"]; got != msgUserNotFound {
		t.Errorf("error = %v, want %q", got, msgUserNotFound)
	}
}

func TestChangePasswordHandler_DBError(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectExec("UPDATE users").WillReturnError(errDB)

	w := env.post("/change-password", map[string]string{"username": "alice", "new_password": "new-pw"})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestChangePasswordHandler_ResetTokenRequired(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeResetToken)
	hash := hashOf(t, "pw")

	w := env.post("/change-password", map[string]string{"username": "alice", "new_password": "new-pw"})
	if w.Code != http.StatusForbidden {
		t.Errorf("missing token: status = %d, want 403", w.Code)
	}

	env.mock.ExpectQuery("SELECT .+ FROM users").WithArgs("alice").WillReturnRows(userRowWithHash(hash))
	other, _ := env.tokens.IssueResetToken("mallory", hash, time.Minute)
	w = env.post("/change-password", map[string]string{
		"username": "alice", "new_password": "new-pw", "reset_token": other,
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("token for another user: status = %d, want 403", w.Code)
	}
	checkExpectations(t, env.mock)
}

func TestChangePasswordHandler_ResetTokenUnknownUser(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeResetToken)

	env.mock.ExpectQuery("SELECT .+ FROM users").WithArgs("ghost").WillReturnRows(emptyUserRows())
	token, _ := env.tokens.IssueResetToken("ghost", "", time.Minute)

	w := env.post("/change-password", map[string]string{
		"username": "ghost", "new_password": "new-pw", "reset_token": token,
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	checkExpectations(t, env.mock)
}

func TestChangePasswordHandler_WithResetToken(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeResetToken)
	hash := hashOf(t, "pw")

	env.mock.ExpectQuery("SELECT .+ FROM users").WithArgs("alice").WillReturnRows(userRowWithHash(hash))
	env.mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 1))

	token, err := env.tokens.IssueResetToken("alice", hash, time.Minute)
	if err != nil {
		t.Fatalf("IssueResetToken: %v", err)
	}
	w := env.post("/change-password", map[string]string{
		"username": "alice", "new_password": "new-pw", "reset_token": token,
	})

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	checkExpectations(t, env.mock)
}

func TestChangePasswordHandler_ResetTokenWorksOnce(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeResetToken)
	hash := hashOf(t, "pw")

	token, err := env.tokens.IssueResetToken("alice", hash, time.Minute)
	if err != nil {
		t.Fatalf("IssueResetToken: %v", err)
	}
	body := map[string]string{"username": "alice", "new_password": "new-pw", "reset_token": token}

	env.mock.ExpectQuery("SELECT .+ FROM users").WithArgs("alice").WillReturnRows(userRowWithHash(hash))
	env.mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 1))
	if w := env.post("/change-password", body); w.Code != http.StatusOK {
		t.Fatalf("first use: status = %d, want 200: %s", w.Code, w.Body.String())
	}

	// The stored hash is now the one written by the first change.
	env.mock.ExpectQuery("SELECT .+ FROM users").WithArgs("alice").WillReturnRows(userRowWithHash(hashOf(t, "new-pw")))
	w := env.post("/change-password", body)
	if w.Code != http.StatusForbidden {
		t.Errorf("second use: status = %d, want 403", w.Code)
	}
	if got := getJSON(w)["error"]; got != msgInvalidReset {
		t.Errorf("error = %v, want %q", got, msgInvalidReset)
	}
	checkExpectations(t, env.mock)
}

func TestChangePasswordHandler_ResetTokenLookupError(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeResetToken)

	env.mock.ExpectQuery("SELECT .+ FROM users").WillReturnError(errDB)
	token, _ := env.tokens.IssueResetToken("alice", "", time.Minute)

	w := env.post("/change-password", map[string]string{
		"username": "alice", "new_password": "new-pw", "reset_token": token,
	})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Username normalisation
// ---------------------------------------------------------------------------

func TestLoginHandler_TrimsUsername(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectQuery("SELECT .+ FROM users").WithArgs("alice").WillReturnRows(userRow(t, "pw"))

	w := env.post("/login", map[string]string{"username": " alice ", "password": "pw"})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	checkExpectations(t, env.mock)
}

func TestRecoverPasswordHandler_TrimsUsername(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectQuery("SELECT .+ FROM users").WithArgs("alice").WillReturnRows(userRow(t, "pw"))

	w := env.post("/recover-password", map[string]string{"username": "\talice", "recovery_secret": "rex"})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	checkExpectations(t, env.mock)
}

func TestChangePasswordHandler_TrimsUsername(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	env.mock.ExpectExec("UPDATE users").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := env.post("/change-password", map[string]string{"username": "alice  ", "new_password": "new-pw"})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	checkExpectations(t, env.mock)
}

func TestChangePasswordHandler_BlankUsername(t *testing.T) {
	env := newAccountRouter(t, config.RecoveryModeHash)

	w := env.post("/change-password", map[string]string{"username": "   ", "new_password": "new-pw"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	checkExpectations(t, env.mock)
}
