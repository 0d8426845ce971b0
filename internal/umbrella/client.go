// Package umbrella talks to the Umbrella Cost API: token acquisition,
// account listing, paginated asset streaming, presigned uploads, and
// import-status polling.
package umbrella

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/catherinevee/vtagger/internal/logger"
	apperrors "github.com/catherinevee/vtagger/internal/shared/errors"
	"github.com/catherinevee/vtagger/pkg/models"
)

const (
	authTimeout     = 30 * time.Second
	accountsTimeout = 30 * time.Second
	assetsTimeout   = 10 * time.Minute
	uploadTimeout   = 5 * time.Minute
	statusTimeout   = 10 * time.Second

	// tokenLifetime is assumed when the JWT carries no parseable expiry.
	tokenLifetime = time.Hour
	// renewalMargin renews the token before it actually expires.
	renewalMargin = 5 * time.Minute
)

// Config holds the connection settings for one upstream tenant.
type Config struct {
	BaseURL        string
	TokenBrokerURL string
	Username       string
	Password       string
	// RequestsPerSecond throttles data calls. Zero disables throttling.
	RequestsPerSecond float64
}

// Client is safe for concurrent use. The token is refreshed lazily and on 401.
type Client struct {
	cfg     Config
	http    *http.Client
	log     logger.Logger
	limiter *rate.Limiter

	mu          sync.Mutex
	token       string
	userKey     string
	tokenExpiry time.Time
}

// NewClient creates a client. No network call is made until the first request.
func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		log:     logger.New("umbrella"),
		limiter: limiter,
	}
}

// authResponse is the payload both auth mechanisms return.
type authResponse struct {
	Authorization string `json:"Authorization"`
	APIKey        string `json:"apikey"`
}

// Authenticate acquires a JWT, trying the token broker first and falling back
// to the Basic-auth token exchange. The user key is the apikey prefix up to
// the first colon.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})

	var resp *authResponse
	var brokerErr error
	if c.cfg.TokenBrokerURL != "" {
		resp, brokerErr = c.postAuth(ctx, c.cfg.TokenBrokerURL, body, false)
		if brokerErr != nil {
			c.log.Warn("Token broker auth failed, falling back to token exchange",
				logger.Error(brokerErr))
		}
	}
	if resp == nil {
		var err error
		resp, err = c.postAuth(ctx, c.cfg.BaseURL+"/v1/authentication/token/generate", body, true)
		if err != nil {
			return apperrors.New(apperrors.KindCredential, "authentication failed").
				WithOperation("authenticate").WithWrapped(err)
		}
	}

	if resp.Authorization == "" || resp.APIKey == "" {
		return apperrors.New(apperrors.KindCredential, "auth response missing token or apikey").
			WithOperation("authenticate")
	}

	c.token = resp.Authorization
	c.userKey = resp.APIKey
	if i := strings.Index(resp.APIKey, ":"); i >= 0 {
		c.userKey = resp.APIKey[:i]
	}
	c.tokenExpiry = tokenExpiry(resp.Authorization)

	c.log.Info("Authenticated with upstream",
		logger.String("expires", c.tokenExpiry.Format(time.RFC3339)))
	return nil
}

func (c *Client) postAuth(ctx context.Context, authURL string, body []byte, basic bool) (*authResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if basic {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth endpoint returned %d", resp.StatusCode)
	}

	var parsed authResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode auth response: %w", err)
	}
	return &parsed, nil
}

// tokenExpiry reads the exp claim without verifying the signature. Tokens
// without a parseable expiry get the assumed lifetime. The renewal margin is
// subtracted so callers refresh before the hard deadline.
func tokenExpiry(token string) time.Time {
	expiry := time.Now().Add(tokenLifetime)
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			expiry = exp.Time
		}
	}
	return expiry.Add(-renewalMargin)
}

func (c *Client) ensureAuth(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return nil
	}
	return c.authenticateLocked(ctx)
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// headers builds the per-call auth headers. accountKey ":-1:-1" scopes the
// call to the user (account listing); otherwise the scope is
// "<user_key>:<account_key>:0".
func (c *Client) headers(accountKey string) http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := http.Header{}
	h.Set("Authorization", c.token)
	if accountKey == "" {
		h.Set("apikey", c.userKey+":-1:-1")
	} else {
		h.Set("apikey", c.userKey+":"+accountKey+":0")
	}
	return h
}

// doJSON performs one authenticated call and decodes the JSON response into
// out. A 401 triggers exactly one re-authentication and retry; a second 401
// is fatal.
func (c *Client) doJSON(ctx context.Context, method, callURL, accountKey string, body []byte, timeout time.Duration, out interface{}) (int, error) {
	if err := c.ensureAuth(ctx); err != nil {
		return 0, err
	}

	status, err := c.doOnce(ctx, method, callURL, accountKey, body, timeout, out)
	if status == http.StatusUnauthorized {
		c.log.Warn("Upstream returned 401, re-authenticating", logger.String("url", callURL))
		c.clearToken()
		if err := c.ensureAuth(ctx); err != nil {
			return status, err
		}
		status, err = c.doOnce(ctx, method, callURL, accountKey, body, timeout, out)
		if status == http.StatusUnauthorized {
			return status, apperrors.New(apperrors.KindUpstreamFatal, "persistent 401 after re-authentication").
				WithOperation(method + " " + callURL)
		}
	}
	return status, err
}

func (c *Client) doOnce(ctx context.Context, method, callURL, accountKey string, body []byte, timeout time.Duration, out interface{}) (int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, apperrors.NewCancelled("request cancelled while rate-limited")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, callURL, reader)
	if err != nil {
		return 0, err
	}
	req.Header = c.headers(accountKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return 0, apperrors.NewCancelled("request cancelled")
		}
		return 0, apperrors.Wrap(err, apperrors.KindUpstreamTransient, "upstream request failed").
			WithOperation(method + " " + callURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, apperrors.Newf(apperrors.KindUpstreamTransient,
			"upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))).
			WithOperation(method + " " + callURL)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, apperrors.Wrap(err, apperrors.KindUpstreamTransient, "failed to decode upstream response").
				WithOperation(method + " " + callURL)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

// ListAccounts fetches the account list, partitioned into aggregate
// (isAllAccounts) and individual accounts. The primary endpoint wraps the
// list; the fallback returns it flat.
func (c *Client) ListAccounts(ctx context.Context) (aggregate, individual []models.Account, err error) {
	var wrapped struct {
		Accounts []models.Account `json:"accounts"`
	}
	_, err = c.doJSON(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/users/plain-sub-users", "", nil, accountsTimeout, &wrapped)
	accounts := wrapped.Accounts
	if err != nil {
		c.log.Warn("Primary account endpoint failed, trying fallback", logger.Error(err))
		var flat []models.Account
		if _, err = c.doJSON(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/user-management/accounts", "", nil, accountsTimeout, &flat); err != nil {
			return nil, nil, err
		}
		accounts = flat
	}

	for _, acc := range accounts {
		if acc.IsAllAccounts {
			aggregate = append(aggregate, acc)
		} else {
			individual = append(individual, acc)
		}
	}
	c.log.Info("Fetched account list",
		logger.Int("aggregate", len(aggregate)),
		logger.Int("individual", len(individual)))
	return aggregate, individual, nil
}

// AssetQuery parameterizes one asset stream.
type AssetQuery struct {
	AccountKey string
	StartDate  string
	EndDate    string
	BatchSize  int
	MaxPages   int
	FilterMode models.FilterMode
	// TagKeys selects the customtags columns; sorted order is part of the
	// positional column contract.
	TagKeys []string
	// FilterDimensions names the dimensions for the not_vtagged filter.
	FilterDimensions []string
}

// assetsPage is one /v2/usage/assets response.
type assetsPage struct {
	Data      []map[string]interface{} `json:"data"`
	NextToken string                   `json:"nextToken"`
}

// StreamAssets pages through /v2/usage/assets and hands batches of
// BatchSize resources to emit. Pagination follows the opaque nextToken chain;
// the stream ends on an absent token, the MaxPages ceiling, an emit error, or
// context cancellation.
func (c *Client) StreamAssets(ctx context.Context, q AssetQuery, emit func([]models.Resource) error) error {
	if q.BatchSize <= 0 {
		q.BatchSize = 1000
	}

	baseParams := c.assetParams(q)
	var batch []models.Resource
	token := ""
	pages := 0

	for {
		if err := ctx.Err(); err != nil {
			return apperrors.NewCancelled("asset stream cancelled")
		}

		params := make(url.Values, len(baseParams))
		for k, v := range baseParams {
			params[k] = v
		}
		if token != "" {
			params.Set("token", token)
		}
		pageURL := c.cfg.BaseURL + "/v2/usage/assets?" + params.Encode()

		var page assetsPage
		if _, err := c.doJSON(ctx, http.MethodGet, pageURL, q.AccountKey, nil, assetsTimeout, &page); err != nil {
			return err
		}
		pages++

		for _, row := range page.Data {
			batch = append(batch, parseResource(row))
			if len(batch) >= q.BatchSize {
				if err := emit(batch); err != nil {
					return err
				}
				batch = nil
			}
		}

		c.log.Debug("Fetched asset page",
			logger.Int("page", pages),
			logger.Int("rows", len(page.Data)),
			logger.String("account", q.AccountKey))

		if page.NextToken == "" {
			break
		}
		if q.MaxPages > 0 && pages >= q.MaxPages {
			c.log.Info("Asset stream stopped at page ceiling", logger.Int("max_pages", q.MaxPages))
			break
		}
		token = page.NextToken
	}

	if len(batch) > 0 {
		return emit(batch)
	}
	return nil
}

func (c *Client) assetParams(q AssetQuery) url.Values {
	params := url.Values{}
	params.Set("startDate", q.StartDate)
	params.Set("endDate", q.EndDate)
	params.Set("isK8S", "0")
	params.Set("granLevel", "week")
	params.Set("costType", "cost")
	params.Set("isUnblended", "false")

	columns := []string{"resourceid", "linkedaccid", "payeraccount"}
	keys := append([]string{}, q.TagKeys...)
	sort.Strings(keys)
	for _, key := range keys {
		columns = append(columns, "customtags:"+key)
	}
	params["columns"] = columns

	if q.FilterMode == models.FilterNotVtagged && len(q.FilterDimensions) > 0 {
		filters := make([]string, 0, len(q.FilterDimensions))
		for _, dim := range q.FilterDimensions {
			filters = append(filters, dim+": no_tag")
		}
		params["filters[governance_tags_keys]"] = filters
	}
	return params
}

// parseResource maps one raw row to a Resource. customtags: columns are
// renamed to their "Tag: " form; empty tag cells get the "no tag" sentinel so
// downstream extraction treats them as absent.
func parseResource(row map[string]interface{}) models.Resource {
	res := models.Resource{Fields: make(map[string]string, len(row))}
	for k, v := range row {
		value := stringify(v)
		switch k {
		case "resourceid":
			res.ResourceID = value
		case "linkedaccid":
			res.LinkedAccount = value
		case "payeraccount":
			res.PayerAccount = value
		default:
			if strings.HasPrefix(k, "customtags:") {
				name := k[len("customtags:"):]
				if value == "" {
					value = "no tag"
				}
				res.Fields["Tag: "+name] = value
			} else {
				res.Fields[k] = value
			}
		}
	}
	return res
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// UploadVirtualTags performs the two-step presigned upload for one payer: ask
// for an upload URL, then PUT the file bytes. mode and compressed pass
// through to the upstream unchanged.
func (c *Client) UploadVirtualTags(ctx context.Context, accountKey, filePath string, compressed bool, mode string) (string, error) {
	uploadURL, uploadID, err := c.generateUploadURL(ctx, accountKey, compressed, mode)
	if err != nil {
		return "", err
	}
	if err := c.putFile(ctx, uploadURL, filePath, compressed); err != nil {
		return "", err
	}
	c.log.Info("Uploaded virtual tags",
		logger.String("account", accountKey),
		logger.String("upload_id", uploadID))
	return uploadID, nil
}

func (c *Client) generateUploadURL(ctx context.Context, accountKey string, compressed bool, mode string) (string, string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"compressed": compressed,
		"mode":       mode,
	})

	var resp map[string]interface{}
	_, err := c.doJSON(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v2/governance-tags/resources/import/generate-upload-url",
		accountKey, body, uploadTimeout, &resp)
	if err != nil {
		return "", "", err
	}

	uploadURL := firstString(resp, "url", "uploadUrl", "presignedUrl")
	uploadID := firstString(resp, "uploadId", "id")
	if uploadURL == "" || uploadID == "" {
		return "", "", apperrors.New(apperrors.KindUpstreamFatal, "malformed presigned-upload response").
			WithOperation("generate-upload-url").WithResource(accountKey)
	}
	return uploadURL, uploadID, nil
}

// putFile PUTs the file to the presigned URL. The presigned URL carries its
// own auth, so no apikey headers are attached.
func (c *Client) putFile(ctx context.Context, uploadURL, filePath string, compressed bool) error {
	f, err := os.Open(filePath)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to open upload file").WithResource(filePath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to stat upload file").WithResource(filePath)
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "text/csv")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindUpstreamTransient, "presigned upload failed").WithOperation("put-upload")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	default:
		return apperrors.Newf(apperrors.KindUpstreamTransient,
			"presigned upload returned %d", resp.StatusCode).
			WithOperation("put-upload")
	}
}

// rawImportStatus is the upstream status payload.
type rawImportStatus struct {
	Phase            string `json:"phase"`
	PhaseDescription string `json:"phaseDescription"`
	Status           string `json:"status"`
	TotalRows        int    `json:"totalRows"`
	ProcessedRows    int    `json:"processedRows"`
	Errors           int    `json:"errors"`
	ImportMode       string `json:"importMode"`
	Operations       struct {
		Inserted int `json:"inserted"`
		Updated  int `json:"updated"`
		Deleted  int `json:"deleted"`
	} `json:"operations"`
}

// ImportStatus fetches the processing state of one upload.
func (c *Client) ImportStatus(ctx context.Context, accountKey, uploadID string) (models.ImportStatus, error) {
	var raw rawImportStatus
	_, err := c.doJSON(ctx, http.MethodGet,
		c.cfg.BaseURL+"/v2/governance-tags/resources/import/status/"+url.PathEscape(uploadID),
		accountKey, nil, statusTimeout, &raw)
	if err != nil {
		return models.ImportStatus{}, err
	}

	return models.ImportStatus{
		UploadID:         uploadID,
		Phase:            raw.Phase,
		PhaseDescription: raw.PhaseDescription,
		Status:           raw.Status,
		TotalRows:        raw.TotalRows,
		ProcessedRows:    raw.ProcessedRows,
		Errors:           raw.Errors,
		ImportMode:       raw.ImportMode,
		Inserted:         raw.Operations.Inserted,
		Updated:          raw.Operations.Updated,
		Deleted:          raw.Operations.Deleted,
	}, nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
