package umbrella

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/catherinevee/vtagger/internal/shared/errors"
	"github.com/catherinevee/vtagger/pkg/models"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func authPayload(t *testing.T) []byte {
	t.Helper()
	body, _ := json.Marshal(authResponse{
		Authorization: signedToken(t, time.Now().Add(time.Hour)),
		APIKey:        "user-key-1:scope:tail",
	})
	return body
}

func TestAuthenticate_BrokerPath(t *testing.T) {
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "alice", creds["username"])
		w.Write(authPayload(t))
	}))
	defer broker.Close()

	c := NewClient(Config{
		BaseURL:        "http://unused.invalid",
		TokenBrokerURL: broker.URL,
		Username:       "alice",
		Password:       "s3cret",
	})

	require.NoError(t, c.Authenticate(context.Background()))
	assert.Equal(t, "user-key-1", c.userKey, "user key is the apikey prefix")
	assert.NotEmpty(t, c.token)
	assert.True(t, c.tokenExpiry.After(time.Now().Add(30*time.Minute)),
		"expiry honours the JWT exp minus the renewal margin")
}

func TestAuthenticate_FallsBackToBasicExchange(t *testing.T) {
	var sawBasic bool
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/authentication/token/generate", r.URL.Path)
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Basic ") {
			decoded, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
			assert.Equal(t, "alice:s3cret", string(decoded))
			sawBasic = true
		}
		w.Write(authPayload(t))
	}))
	defer api.Close()

	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broker.Close()

	c := NewClient(Config{
		BaseURL:        api.URL,
		TokenBrokerURL: broker.URL,
		Username:       "alice",
		Password:       "s3cret",
	})

	require.NoError(t, c.Authenticate(context.Background()))
	assert.True(t, sawBasic)
}

func TestAuthenticate_BothMechanismsFail(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer down.Close()

	c := NewClient(Config{BaseURL: down.URL, TokenBrokerURL: down.URL})
	err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindCredential))
}

func TestTokenExpiry_UnparseableTokenGetsAssumedLifetime(t *testing.T) {
	expiry := tokenExpiry("not-a-jwt")
	assert.WithinDuration(t, time.Now().Add(tokenLifetime-renewalMargin), expiry, 5*time.Second)
}

// newAuthedServer returns a server that accepts auth at the generate endpoint
// and dispatches everything else to handler.
func newAuthedServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/authentication/token/generate" {
			w.Write(authPayload(t))
			return
		}
		handler(w, r)
	}))
}

func TestListAccounts_PartitionsAggregateAndIndividual(t *testing.T) {
	srv := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/users/plain-sub-users", r.URL.Path)
		assert.True(t, strings.HasSuffix(r.Header.Get("apikey"), ":-1:-1"),
			"account listing uses the user-scope apikey")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accounts": []models.Account{
				{AccountKey: "1", AccountID: "111", AccountName: "All", IsAllAccounts: true},
				{AccountKey: "2", AccountID: "222", AccountName: "Prod"},
				{AccountKey: "3", AccountID: "333", AccountName: "Dev"},
			},
		})
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	aggregate, individual, err := c.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, aggregate, 1)
	require.Len(t, individual, 2)
	assert.Equal(t, "1", aggregate[0].AccountKey)
}

func TestListAccounts_FallbackEndpoint(t *testing.T) {
	srv := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/users/plain-sub-users":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/user-management/accounts":
			json.NewEncoder(w).Encode([]models.Account{
				{AccountKey: "9", AccountID: "999", AccountName: "Solo"},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	aggregate, individual, err := c.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, aggregate)
	require.Len(t, individual, 1)
	assert.Equal(t, "9", individual[0].AccountKey)
}

func TestDoJSON_RetriesOnceAfter401(t *testing.T) {
	calls := 0
	srv := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"accounts": []models.Account{}})
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, _, err := c.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoJSON_SecondConsecutive401IsFatal(t *testing.T) {
	srv := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, _, err := c.ListAccounts(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindUpstreamFatal))
}

func TestStreamAssets_QueryContract(t *testing.T) {
	var captured *http.Request
	srv := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		json.NewEncoder(w).Encode(assetsPage{})
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	err := c.StreamAssets(context.Background(), AssetQuery{
		AccountKey:       "42",
		StartDate:        "2026-08-17",
		EndDate:          "2026-08-23",
		FilterMode:       models.FilterNotVtagged,
		TagKeys:          []string{"team", "env"},
		FilterDimensions: []string{"Environment", "Team"},
	}, func([]models.Resource) error { return nil })
	require.NoError(t, err)
	require.NotNil(t, captured)

	q := captured.URL.Query()
	assert.Equal(t, "2026-08-17", q.Get("startDate"))
	assert.Equal(t, "0", q.Get("isK8S"))
	assert.Equal(t, "week", q.Get("granLevel"))
	assert.Equal(t, "cost", q.Get("costType"))
	assert.Equal(t, "false", q.Get("isUnblended"))
	assert.Equal(t, []string{
		"resourceid", "linkedaccid", "payeraccount",
		"customtags:env", "customtags:team",
	}, q["columns"], "tag columns sorted lexicographically")
	assert.Equal(t, []string{"Environment: no_tag", "Team: no_tag"},
		q["filters[governance_tags_keys]"])
	assert.True(t, strings.HasSuffix(captured.Header.Get("apikey"), ":42:0"))
}

func TestStreamAssets_AllModeOmitsGovernanceFilter(t *testing.T) {
	srv := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NotContains(t, r.URL.RawQuery, "governance_tags_keys")
		json.NewEncoder(w).Encode(assetsPage{})
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	err := c.StreamAssets(context.Background(), AssetQuery{
		AccountKey:       "42",
		FilterMode:       models.FilterAll,
		FilterDimensions: []string{"Environment"},
	}, func([]models.Resource) error { return nil })
	require.NoError(t, err)
}

func TestStreamAssets_FollowsTokenChainAndBatches(t *testing.T) {
	srv := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		switch token {
		case "":
			rows := make([]map[string]interface{}, 3)
			for i := range rows {
				rows[i] = map[string]interface{}{
					"resourceid":      fmt.Sprintf("r-%d", i),
					"linkedaccid":     float64(42),
					"payeraccount":    "111122223333",
					"customtags:env":  "prod",
					"customtags:team": "",
				}
			}
			json.NewEncoder(w).Encode(assetsPage{Data: rows, NextToken: "page-2"})
		case "page-2":
			json.NewEncoder(w).Encode(assetsPage{
				Data: []map[string]interface{}{{"resourceid": "r-3"}},
			})
		default:
			t.Errorf("unexpected token %q", token)
		}
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	var batches [][]models.Resource
	err := c.StreamAssets(context.Background(), AssetQuery{
		AccountKey: "42",
		BatchSize:  2,
	}, func(batch []models.Resource) error {
		batches = append(batches, batch)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2, "remainder flushed at end of stream")

	first := batches[0][0]
	assert.Equal(t, "r-0", first.ResourceID)
	assert.Equal(t, "42", first.LinkedAccount, "numeric cells stringified")
	assert.Equal(t, "prod", first.Fields["Tag: env"])
	assert.Equal(t, "no tag", first.Fields["Tag: team"], "empty tag cell becomes the sentinel")
}

func TestStreamAssets_MaxPages(t *testing.T) {
	pages := 0
	srv := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		pages++
		json.NewEncoder(w).Encode(assetsPage{
			Data:      []map[string]interface{}{{"resourceid": "r"}},
			NextToken: "more",
		})
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	err := c.StreamAssets(context.Background(), AssetQuery{AccountKey: "42", MaxPages: 3},
		func([]models.Resource) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
}

func TestStreamAssets_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		cancel() // cancel after the in-flight page completes
		json.NewEncoder(w).Encode(assetsPage{
			Data:      []map[string]interface{}{{"resourceid": "r"}},
			NextToken: "more",
		})
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	err := c.StreamAssets(ctx, AssetQuery{AccountKey: "42"},
		func([]models.Resource) error { return nil })
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindCancelled))
}

func TestUploadVirtualTags_TwoStepHandshake(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "upload.csv.gz")
	require.NoError(t, os.WriteFile(path, []byte("gzbytes"), 0644))

	var putReq *http.Request
	bucket := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		putReq = r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer bucket.Close()

	srv := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/governance-tags/resources/import/generate-upload-url", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["compressed"])
		assert.Equal(t, "upsert", body["mode"])
		json.NewEncoder(w).Encode(map[string]string{
			"uploadUrl": bucket.URL + "/presigned",
			"uploadId":  "up-123",
		})
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	id, err := c.UploadVirtualTags(context.Background(), "42", path, true, "upsert")
	require.NoError(t, err)
	assert.Equal(t, "up-123", id)

	require.NotNil(t, putReq)
	assert.Equal(t, http.MethodPut, putReq.Method)
	assert.Equal(t, "text/csv", putReq.Header.Get("Content-Type"))
	assert.Equal(t, "gzip", putReq.Header.Get("Content-Encoding"))
}

func TestUploadVirtualTags_MalformedPresignedResponse(t *testing.T) {
	srv := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"something": "else"})
	})
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "upload.csv.gz")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.UploadVirtualTags(context.Background(), "42", path, true, "upsert")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindUpstreamFatal))
}

func TestImportStatus(t *testing.T) {
	srv := newAuthedServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/governance-tags/resources/import/status/up-123", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"phase":         "completed",
			"status":        "ok",
			"totalRows":     10,
			"processedRows": 10,
			"importMode":    "upsert",
			"operations":    map[string]int{"inserted": 7, "updated": 3, "deleted": 0},
		})
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	status, err := c.ImportStatus(context.Background(), "42", "up-123")
	require.NoError(t, err)
	assert.Equal(t, "up-123", status.UploadID)
	assert.Equal(t, "completed", status.Phase)
	assert.Equal(t, 7, status.Inserted)
	assert.True(t, status.Terminal())
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, "abc", stringify("abc"))
	assert.Equal(t, "42", stringify(float64(42)))
	assert.Equal(t, "1.5", stringify(1.5))
	assert.Equal(t, "true", stringify(true))
}
