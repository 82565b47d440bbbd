package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rallye-app/rallye/backend/internal/auth"
	"github.com/rallye-app/rallye/backend/internal/catalog"
	"github.com/rallye-app/rallye/backend/internal/cleanup"
	"github.com/rallye-app/rallye/backend/internal/discussion"
	"github.com/rallye-app/rallye/backend/internal/ephemeral"
	"github.com/rallye-app/rallye/backend/internal/ids"
	"github.com/rallye-app/rallye/backend/internal/notify"
	"github.com/rallye-app/rallye/backend/internal/server"
	"github.com/rallye-app/rallye/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	assertionSecret = "integration-assertion-secret"
	tokenSecret     = "integration-token-secret"
	platformIssuer  = "rallye-platform"
	jsonContentType = "application/json"
)

func buildStack(testContext *testing.T) (http.Handler, *gorm.DB) {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	chatDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:integration_chat_%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open chat store: %v", err)
	}
	if err := chatDB.AutoMigrate(
		&discussion.Discussion{}, &discussion.Message{},
		&catalog.Activity{}, &catalog.TreasureHunt{}, &catalog.Registration{},
		&users.Identity{}, &notify.Notification{},
	); err != nil {
		testContext.Fatalf("failed to migrate chat store: %v", err)
	}

	liveDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:integration_live_%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open live store: %v", err)
	}
	if err := liveDB.AutoMigrate(&ephemeral.Message{}); err != nil {
		testContext.Fatalf("failed to migrate live store: %v", err)
	}

	provider := ids.NewUUIDProvider()
	memberships, err := catalog.NewRepository(chatDB)
	if err != nil {
		testContext.Fatalf("failed to build catalog repository: %v", err)
	}
	directory, err := users.NewDirectory(users.DirectoryConfig{Database: chatDB})
	if err != nil {
		testContext.Fatalf("failed to build directory: %v", err)
	}
	liveStore, err := ephemeral.NewStore(ephemeral.StoreConfig{
		Database:   liveDB,
		IDProvider: provider,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build live store: %v", err)
	}
	fanout, err := notify.NewFanout(notify.FanoutConfig{
		Database:      chatDB,
		IDProvider:    provider,
		Memberships:   memberships,
		RecentAuthors: liveStore,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build fanout: %v", err)
	}
	liveStore.SetNotifier(fanout.Live())
	discussions, err := discussion.NewService(discussion.ServiceConfig{
		Database:    chatDB,
		IDProvider:  provider,
		Memberships: memberships,
		Directory:   directory,
		Notifier:    fanout.Durable(),
		Logger:      zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build discussion service: %v", err)
	}
	scheduler, err := cleanup.NewScheduler(cleanup.SchedulerConfig{
		Catalog: memberships,
		Live:    liveStore,
	})
	if err != nil {
		testContext.Fatalf("failed to build scheduler: %v", err)
	}
	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(tokenSecret),
		Issuer:        "rallye-auth",
		Audience:      "rallye-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	verifier, err := auth.NewAssertionVerifier(auth.AssertionVerifierConfig{
		SigningSecret: []byte(assertionSecret),
		Issuer:        platformIssuer,
	})
	if err != nil {
		testContext.Fatalf("failed to build assertion verifier: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:      verifier,
		TokenManager:  tokenManager,
		Discussions:   discussions,
		Live:          liveStore,
		Directory:     directory,
		Memberships:   memberships,
		Cleanup:       scheduler,
		Notifications: fanout,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return handler, chatDB
}

func mustMintAssertion(testContext *testing.T, userID, displayName string) string {
	testContext.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":           userID,
		"user_display_name": displayName,
		"sub":               userID,
		"iss":               platformIssuer,
		"iat":               jwt.NewNumericDate(now.Add(-time.Minute)),
		"exp":               jwt.NewNumericDate(now.Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(assertionSecret))
	if err != nil {
		testContext.Fatalf("failed to sign assertion: %v", err)
	}
	return signed
}

func exchangeToken(testContext *testing.T, baseURL, assertion string) string {
	testContext.Helper()
	body, _ := json.Marshal(map[string]string{"assertion": assertion})
	response, err := http.Post(baseURL+"/auth/token", jsonContentType, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("token exchange failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected exchange status: %d", response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode exchange response: %v", err)
	}
	if payload.AccessToken == "" {
		testContext.Fatalf("expected access token in response")
	}
	return payload.AccessToken
}

func doJSON(testContext *testing.T, method, url, bearer string, payload interface{}) *http.Response {
	testContext.Helper()
	var body *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			testContext.Fatalf("failed to encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, url, body)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+bearer)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	return response
}

func TestAuthAndChatFlow(testContext *testing.T) {
	handler, chatDB := buildStack(testContext)
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	aliceToken := exchangeToken(testContext, testServer.URL, mustMintAssertion(testContext, "user-abc", "Alice"))
	brunoToken := exchangeToken(testContext, testServer.URL, mustMintAssertion(testContext, "user-xyz", "Bruno"))

	for _, userID := range []string{"user-abc", "user-xyz"} {
		registration := catalog.Registration{
			ID:       "reg-act-1-" + userID,
			ItemType: "activity",
			ItemID:   "act-1",
			UserID:   userID,
			Status:   catalog.RegistrationStatusAccepted,
		}
		if err := chatDB.Create(&registration).Error; err != nil {
			testContext.Fatalf("failed to seed registration: %v", err)
		}
	}

	// Durable round trip: post as Alice, read as Bruno.
	postResp := doJSON(testContext, http.MethodPost, testServer.URL+"/discussions/activity/act-1", aliceToken, map[string]string{"content": "Bonjour à tous"})
	if postResp.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected post status: %d", postResp.StatusCode)
	}
	postResp.Body.Close()

	listResp := doJSON(testContext, http.MethodGet, testServer.URL+"/discussions/activity/act-1/messages", brunoToken, nil)
	if listResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected list status: %d", listResp.StatusCode)
	}
	var listPayload struct {
		Messages []struct {
			UserID   string `json:"userId"`
			UserName string `json:"userName"`
			Content  string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listPayload); err != nil {
		testContext.Fatalf("failed to decode list response: %v", err)
	}
	listResp.Body.Close()
	if len(listPayload.Messages) != 1 || listPayload.Messages[0].Content != "Bonjour à tous" {
		testContext.Fatalf("unexpected messages %#v", listPayload.Messages)
	}
	if listPayload.Messages[0].UserName != "Alice" {
		testContext.Fatalf("expected directory-enriched author name, got %q", listPayload.Messages[0].UserName)
	}

	// The write fanned out to the other registered member only.
	notifResp := doJSON(testContext, http.MethodGet, testServer.URL+"/notifications", brunoToken, nil)
	if notifResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected notifications status: %d", notifResp.StatusCode)
	}
	var notifPayload struct {
		Notifications []struct {
			SenderID string `json:"senderId"`
			Preview  string `json:"preview"`
		} `json:"notifications"`
	}
	if err := json.NewDecoder(notifResp.Body).Decode(&notifPayload); err != nil {
		testContext.Fatalf("failed to decode notifications: %v", err)
	}
	notifResp.Body.Close()
	if len(notifPayload.Notifications) != 1 || notifPayload.Notifications[0].SenderID != "user-abc" {
		testContext.Fatalf("unexpected notifications %#v", notifPayload.Notifications)
	}
	if notifPayload.Notifications[0].Preview != "Bonjour à tous" {
		testContext.Fatalf("unexpected preview %q", notifPayload.Notifications[0].Preview)
	}

	// Live round trip in the same room.
	livePost := doJSON(testContext, http.MethodPost, testServer.URL+"/chat/rooms/act-1/messages", aliceToken, map[string]string{"content": "on démarre", "type": "text"})
	if livePost.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected live post status: %d", livePost.StatusCode)
	}
	livePost.Body.Close()

	liveList := doJSON(testContext, http.MethodGet, testServer.URL+"/chat/rooms/act-1/messages", brunoToken, nil)
	if liveList.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected live list status: %d", liveList.StatusCode)
	}
	var livePayload struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(liveList.Body).Decode(&livePayload); err != nil {
		testContext.Fatalf("failed to decode live list: %v", err)
	}
	liveList.Body.Close()
	if len(livePayload.Messages) != 1 || livePayload.Messages[0].Content != "on démarre" {
		testContext.Fatalf("unexpected live messages %#v", livePayload.Messages)
	}
}
