// Package testutil provides a fake Action Unit backend for tests.
package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Call is one request received by the backend.
type Call struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

type failure struct {
	method string
	prefix string
	status int
	times  int
}

// Backend is an in-memory REST server speaking the backend's contract.
// Records are stored per collection with integer ids.
type Backend struct {
	Server *httptest.Server
	Secret []byte

	mu            sync.Mutex
	router        *gin.Engine
	calls         []Call
	records       map[string]map[string]map[string]interface{}
	nextID        int
	keys          map[string]string // collection + idempotency key -> id
	generation    int
	rejectRefresh bool
	failures      []failure
	subscription  map[string]interface{}
	users         map[string]map[string]interface{}
	passwords     map[string]string
}

// NewBackend starts a backend and stops it when the test ends.
func NewBackend(t *testing.T) *Backend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := &Backend{
		Secret:    []byte("test-secret-key"),
		records:   make(map[string]map[string]map[string]interface{}),
		nextID:    100,
		keys:      make(map[string]string),
		users:     make(map[string]map[string]interface{}),
		passwords: make(map[string]string),
		subscription: map[string]interface{}{
			"is_active":          true,
			"plan":               "quarterly",
			"status":             "active",
			"trial_end_date":     "",
			"current_period_end": time.Now().AddDate(0, 3, 0).Format("2006-01-02"),
		},
	}

	b.router = gin.New()
	b.router.Use(b.record)
	b.router.Any("/api/*path", b.dispatch)

	b.Server = httptest.NewServer(b.router)
	t.Cleanup(b.Server.Close)
	return b
}

// URL returns the server root.
func (b *Backend) URL() string {
	return b.Server.URL
}

// AddSuperintendent registers a superintendent login.
func (b *Backend) AddSuperintendent(id int, email, password string, churchID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[email] = map[string]interface{}{
		"id": id, "name": "Superintendent " + strconv.Itoa(id), "email": email,
		"role": "superintendent", "church": churchID, "is_officer": true,
	}
	b.passwords[email] = password
}

// AddTeacher registers a phone login for a teacher or member.
func (b *Backend) AddTeacher(id int, phone, role string, churchID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[phone] = map[string]interface{}{
		"id": id, "name": "Teacher " + strconv.Itoa(id), "email": "", "phone": phone,
		"role": role, "church": churchID, "is_officer": false,
	}
}

// IssueTokens returns a signed access/refresh pair for subject.
func (b *Backend) IssueTokens(subject string) (string, string) {
	b.mu.Lock()
	gen := b.generation
	b.mu.Unlock()
	return b.sign(subject, "access", gen, time.Hour), b.sign(subject, "refresh", gen, 24*time.Hour)
}

func (b *Backend) sign(subject, typ string, gen int, ttl time.Duration) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"typ": typ,
		"gen": gen,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.Secret)
	if err != nil {
		panic(err)
	}
	return signed
}

// ExpireAccessTokens invalidates every access token issued so far. Refresh
// tokens keep working.
func (b *Backend) ExpireAccessTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generation++
}

// RejectRefresh makes the refresh endpoint answer 401.
func (b *Backend) RejectRefresh(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectRefresh = reject
}

// FailNext makes the next times requests with method whose path starts with
// prefix answer status.
func (b *Backend) FailNext(method, prefix string, status, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, failure{method: method, prefix: prefix, status: status, times: times})
}

// SetSubscription replaces the subscription status payload.
func (b *Backend) SetSubscription(status map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscription = status
}

// Calls returns the requests received so far.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallsTo returns the requests whose path starts with prefix.
func (b *Backend) CallsTo(method, prefix string) []Call {
	var out []Call
	for _, c := range b.Calls() {
		if c.Method == method && strings.HasPrefix(c.Path, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Records returns a copy of the stored records of collection.
func (b *Backend) Records(collection string) map[string]map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]map[string]interface{}, len(b.records[collection]))
	for id, rec := range b.records[collection] {
		out[id] = rec
	}
	return out
}

// Put seeds a record so that updates and deletes can find it.
func (b *Backend) Put(collection, id string, fields map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.records[collection] == nil {
		b.records[collection] = make(map[string]map[string]interface{})
	}
	rec := map[string]interface{}{"id": id}
	for k, v := range fields {
		rec[k] = v
	}
	b.records[collection][id] = rec
}

func (b *Backend) record(c *gin.Context) {
	call := Call{Method: c.Request.Method, Path: c.Request.URL.Path}
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		var body map[string]interface{}
		if err := c.ShouldBindJSON(&body); err == nil {
			call.Body = body
			c.Set("body", body)
		}
	}

	b.mu.Lock()
	b.calls = append(b.calls, call)
	for i := range b.failures {
		f := &b.failures[i]
		if f.times > 0 && f.method == call.Method && strings.HasPrefix(call.Path, f.prefix) {
			f.times--
			b.mu.Unlock()
			c.AbortWithStatusJSON(f.status, gin.H{"detail": fmt.Sprintf("injected %d", f.status)})
			return
		}
	}
	b.mu.Unlock()
	c.Next()
}

func body(c *gin.Context) map[string]interface{} {
	if v, ok := c.Get("body"); ok {
		return v.(map[string]interface{})
	}
	return map[string]interface{}{}
}

func (b *Backend) authorize(c *gin.Context) bool {
	header := c.GetHeader("Authorization")
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Authentication credentials were not provided."})
		return false
	}
	claims, err := b.parse(parts[1], "access")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Given token not valid for any token type"})
		return false
	}
	c.Set("sub", claims["sub"])
	return true
}

func (b *Backend) parse(tokenString, typ string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return b.Secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || claims["typ"] != typ {
		return nil, errors.New("wrong token type")
	}
	gen, _ := claims["gen"].(float64)

	b.mu.Lock()
	current := b.generation
	b.mu.Unlock()
	if typ == "access" && int(gen) != current {
		return nil, errors.New("token expired")
	}
	return claims, nil
}

func (b *Backend) dispatch(c *gin.Context) {
	path := strings.Trim(c.Param("path"), "/")
	segs := strings.Split(path, "/")

	switch {
	case path == "auth/superintendent-login":
		b.loginSuperintendent(c)
		return
	case path == "auth/teacher-member-login":
		b.loginTeacher(c)
		return
	case path == "auth/token/refresh":
		b.refresh(c)
		return
	}

	if !b.authorize(c) {
		return
	}

	switch {
	case path == "subscription/status" && c.Request.Method == http.MethodGet:
		b.mu.Lock()
		status := b.subscription
		b.mu.Unlock()
		c.JSON(http.StatusOK, status)
	case path == "church/profile" && c.Request.Method == http.MethodPut:
		b.upsert(c, "church", "profile")
	case len(segs) == 3 && segs[0] == "book-orders" && segs[2] == "submit" && c.Request.Method == http.MethodPost:
		b.submit(c, segs[1])
	case len(segs) == 1 && c.Request.Method == http.MethodPost:
		b.create(c, segs[0])
	case len(segs) == 1 && c.Request.Method == http.MethodGet:
		b.list(c, segs[0])
	case len(segs) == 2 && c.Request.Method == http.MethodPut:
		b.update(c, segs[0], segs[1])
	case len(segs) == 2 && c.Request.Method == http.MethodDelete:
		b.delete(c, segs[0], segs[1])
	default:
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
	}
}

func (b *Backend) respondLogin(c *gin.Context, user map[string]interface{}) {
	access, refresh := b.IssueTokens(fmt.Sprint(user["id"]))
	c.JSON(http.StatusOK, gin.H{
		"access":     access,
		"refresh":    refresh,
		"is_officer": user["is_officer"],
		"user":       user,
		"church":     gin.H{"id": user["church"], "name": "Central SDA"},
	})
}

func (b *Backend) loginSuperintendent(c *gin.Context) {
	req := body(c)
	email, _ := req["email"].(string)
	password, _ := req["password"].(string)

	b.mu.Lock()
	user, ok := b.users[email]
	valid := ok && b.passwords[email] == password
	b.mu.Unlock()

	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid credentials"})
		return
	}
	b.respondLogin(c, user)
}

func (b *Backend) loginTeacher(c *gin.Context) {
	phone, _ := body(c)["phone"].(string)

	b.mu.Lock()
	user, ok := b.users[phone]
	b.mu.Unlock()

	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User not found"})
		return
	}
	b.respondLogin(c, user)
}

func (b *Backend) refresh(c *gin.Context) {
	b.mu.Lock()
	reject := b.rejectRefresh
	b.mu.Unlock()

	token, _ := body(c)["refresh"].(string)
	claims, err := b.parse(token, "refresh")
	if reject || err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Token is invalid or expired"})
		return
	}

	b.mu.Lock()
	gen := b.generation
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"access": b.sign(fmt.Sprint(claims["sub"]), "access", gen, time.Hour)})
}

// create answers a repeated idempotency key with the record it already
// made, the way the real API does.
func (b *Backend) create(c *gin.Context, collection string) {
	key := c.GetHeader("Idempotency-Key")
	b.mu.Lock()
	if key != "" {
		if id, ok := b.keys[collection+"/"+key]; ok {
			out := copyMap(b.records[collection][id])
			b.mu.Unlock()
			c.JSON(http.StatusOK, out)
			return
		}
	}
	b.nextID++
	id := strconv.Itoa(b.nextID)
	if key != "" {
		b.keys[collection+"/"+key] = id
	}
	b.mu.Unlock()
	b.upsert(c, collection, id)
}

func (b *Backend) upsert(c *gin.Context, collection, id string) {
	fields := body(c)

	b.mu.Lock()
	if b.records[collection] == nil {
		b.records[collection] = make(map[string]map[string]interface{})
	}
	rec := b.records[collection][id]
	if rec == nil {
		rec = map[string]interface{}{}
	}
	for k, v := range fields {
		rec[k] = v
	}
	numeric, err := strconv.Atoi(id)
	if err == nil {
		rec["id"] = numeric
	} else {
		rec["id"] = id
	}
	b.records[collection][id] = rec
	out := copyMap(rec)
	b.mu.Unlock()

	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}
	c.JSON(status, out)
}

func (b *Backend) update(c *gin.Context, collection, id string) {
	b.mu.Lock()
	_, ok := b.records[collection][id]
	b.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	b.upsert(c, collection, id)
}

func (b *Backend) delete(c *gin.Context, collection, id string) {
	b.mu.Lock()
	_, ok := b.records[collection][id]
	delete(b.records[collection], id)
	b.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	c.Status(http.StatusNoContent)
}

func (b *Backend) list(c *gin.Context, collection string) {
	b.mu.Lock()
	out := make([]map[string]interface{}, 0, len(b.records[collection]))
	for _, rec := range b.records[collection] {
		out = append(out, copyMap(rec))
	}
	b.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (b *Backend) submit(c *gin.Context, id string) {
	b.mu.Lock()
	rec, ok := b.records["book-orders"][id]
	if ok {
		rec["status"] = "submitted"
	}
	var out map[string]interface{}
	if ok {
		out = copyMap(rec)
	}
	b.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	c.JSON(http.StatusOK, out)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	raw, _ := json.Marshal(m)
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}
