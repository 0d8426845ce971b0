package models

import "time"

// SyncMode identifies the kind of run the coordinator executes.
type SyncMode string

const (
	SyncWeek       SyncMode = "week"
	SyncMonth      SyncMode = "month"
	SyncRange      SyncMode = "range"
	SyncSimulation SyncMode = "simulation"
)

// FilterMode controls the upstream governance-tags filter.
type FilterMode string

const (
	// FilterNotVtagged restricts the asset query to resources that have no
	// virtual tag yet for the selected dimensions.
	FilterNotVtagged FilterMode = "not_vtagged"
	// FilterAll fetches every resource in the window.
	FilterAll FilterMode = "all"
)

// Unallocated is the sentinel a dimension returns when no rule matches.
const Unallocated = "Unallocated"

// Account is one entry from the upstream account listing.
type Account struct {
	AccountKey    string `json:"accountKey"`
	AccountID     string `json:"accountId"`
	AccountName   string `json:"accountName"`
	Provider      string `json:"provider,omitempty"`
	IsAllAccounts bool   `json:"isAllAccounts,omitempty"`
}

// Resource is a raw asset row as returned by the upstream export. Columns vary
// per query, so everything beyond the fixed identifiers stays in Fields.
type Resource struct {
	ResourceID    string            `json:"resourceid"`
	LinkedAccount string            `json:"linkedaccid"`
	PayerAccount  string            `json:"payeraccount"`
	CustomTags    []CustomTag       `json:"customTags,omitempty"`
	Fields        map[string]string `json:"-"`
}

// CustomTag is one {key, value} pair from a resource's customTags field.
type CustomTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MappedResource is the per-resource result of running the dimension chain.
type MappedResource struct {
	ResourceID    string            `json:"resource_id"`
	LinkedAccount string            `json:"linked_account"`
	PayerAccount  string            `json:"payer_account"`
	Dimensions    map[string]string `json:"dimensions"`
	Tags          map[string]string `json:"tags"`
	AnyMatched    bool              `json:"any_matched"`
}

// TaggedRecord is one JSONL spill line. Field names are part of the on-disk
// contract consumed by the upload phase.
type TaggedRecord struct {
	ResourceID    string            `json:"resourceid"`
	LinkedAccount string            `json:"linkedaccid"`
	PayerAccount  string            `json:"payeraccount"`
	Dimensions    map[string]string `json:"dimensions"`
	Tags          map[string]string `json:"tags"`
}

// UploadRecord describes one per-payer presigned upload.
type UploadRecord struct {
	UploadID  string `json:"upload_id"`
	AccountID string `json:"account_id"`
	TotalRows int    `json:"total_rows"`
	Timestamp string `json:"timestamp,omitempty"`
	SyncType  string `json:"sync_type,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

// SyncResult is the persisted outcome of a run.
type SyncResult struct {
	Status           string         `json:"status"`
	SyncType         string         `json:"sync_type"`
	StartDate        string         `json:"start_date"`
	EndDate          string         `json:"end_date"`
	TotalAssets      int            `json:"total_assets"`
	MatchedAssets    int            `json:"matched_assets"`
	UnmatchedAssets  int            `json:"unmatched_assets"`
	DimensionMatches int            `json:"dimension_matches"`
	UploadedCount    int            `json:"uploaded_count"`
	Uploads          []UploadRecord `json:"uploads,omitempty"`
	UploadIDs        []string       `json:"upload_ids,omitempty"`
	ElapsedSeconds   float64        `json:"elapsed_seconds"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	Message          string         `json:"message,omitempty"`
}

// ImportStatus is the merged view of one upload's processing state upstream.
type ImportStatus struct {
	UploadID         string `json:"upload_id"`
	AccountID        string `json:"account_id"`
	Timestamp        string `json:"timestamp"`
	Phase            string `json:"phase"`
	PhaseDescription string `json:"phase_description,omitempty"`
	TotalRows        int    `json:"total_rows"`
	ProcessedRows    int    `json:"processed_rows"`
	Errors           int    `json:"errors"`
	Status           string `json:"status,omitempty"`
	ImportMode       string `json:"import_mode,omitempty"`
	Inserted         int    `json:"inserted"`
	Updated          int    `json:"updated"`
	Deleted          int    `json:"deleted"`
	SyncType         string `json:"sync_type,omitempty"`
	StartDate        string `json:"start_date,omitempty"`
	EndDate          string `json:"end_date,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Terminal reports whether the upstream will never change this status again.
func (s ImportStatus) Terminal() bool {
	return s.Phase == "completed" || s.Phase == "failed"
}

// DailyStat is one row of the daily rollup table.
type DailyStat struct {
	StatDate            string    `json:"stat_date"`
	TotalStatements     int       `json:"total_statements"`
	TaggedStatements    int       `json:"tagged_statements"`
	DimensionMatches    int       `json:"dimension_matches"`
	UnmatchedStatements int       `json:"unmatched_statements"`
	MatchRate           float64   `json:"match_rate"`
	APICalls            int       `json:"api_calls"`
	Errors              int       `json:"errors"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DiscoveredTag is a physical tag key harvested from fetched resources.
type DiscoveredTag struct {
	TagKey          string   `json:"tag_key"`
	SampleValues    []string `json:"sample_values"`
	OccurrenceCount int      `json:"occurrence_count"`
	FirstSeenAt     string   `json:"first_seen_at,omitempty"`
	LastSeenAt      string   `json:"last_seen_at,omitempty"`
}
