// Package pipeline drives one fetch-and-map pass: stream assets per account,
// run the dimension chain over every resource, spill matched records to
// JSONL, and generate the column-stable CSV.
package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/catherinevee/vtagger/internal/engine"
	"github.com/catherinevee/vtagger/internal/logger"
	"github.com/catherinevee/vtagger/internal/progress"
	apperrors "github.com/catherinevee/vtagger/internal/shared/errors"
	"github.com/catherinevee/vtagger/internal/shared/metrics"
	"github.com/catherinevee/vtagger/internal/umbrella"
	"github.com/catherinevee/vtagger/pkg/models"
)

// SampleSize is the reservoir size for the preview sample.
const SampleSize = 50

// positionalOffset is the ordinal of the first tag column on the wire; the
// first four columns are reserved by the upstream export.
const positionalOffset = 4

// AssetStreamer is the slice of the upstream client the pipeline needs.
type AssetStreamer interface {
	StreamAssets(ctx context.Context, q umbrella.AssetQuery, emit func([]models.Resource) error) error
}

// Options parameterizes one pipeline run.
type Options struct {
	AccountKeys []string
	StartDate   string
	EndDate     string
	FilterMode  models.FilterMode
	// FilterDimensions optionally restricts output to a subset of dimension
	// names. Empty means all dimensions.
	FilterDimensions []string
	OutputDir        string
	BatchSize        int
	MaxPages         int
	// MaxRecords is a hard ceiling on resources processed across all
	// accounts. Zero means unlimited.
	MaxRecords int
}

// Stats accumulates counters for one run.
type Stats struct {
	TotalAssets      int            `json:"total_assets"`
	MatchedAssets    int            `json:"matched_assets"`
	UnmatchedAssets  int            `json:"unmatched_assets"`
	DimensionMatches int            `json:"dimension_matches"`
	PerDimension     map[string]int `json:"per_dimension"`
	AccountErrors    int            `json:"account_errors"`
	Pages            int            `json:"pages"`
}

// Result is the outcome of one run.
type Result struct {
	JSONLPath string
	CSVPath   string
	Stats     Stats
	// Samples is a uniform reservoir sample of the matched records.
	Samples []models.TaggedRecord
	// Discovered maps each physical tag key seen during the run to up to
	// ten sample values.
	Discovered map[string][]string
}

// maxDiscoveredSamples caps the per-key sample list in Discovered.
const maxDiscoveredSamples = 10

// Pipeline is reusable across runs; all per-run state lives in Run.
type Pipeline struct {
	client  AssetStreamer
	engine  *engine.Engine
	tracker *progress.Tracker
	metrics *metrics.Metrics
	log     logger.Logger
	// randInt is swappable for deterministic tests.
	randInt func(n int) int
}

// New creates a pipeline. tracker and m may be nil.
func New(client AssetStreamer, eng *engine.Engine, tracker *progress.Tracker, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		client:  client,
		engine:  eng,
		tracker: tracker,
		metrics: m,
		log:     logger.New("pipeline"),
		randInt: rand.Intn,
	}
}

// ColumnIndexMap names the positional customTagValue_N columns for the sorted
// tag keys. The +4 offset and the sort order are part of the wire contract.
func ColumnIndexMap(tagKeys []string) map[string]string {
	keys := append([]string{}, tagKeys...)
	sort.Strings(keys)

	index := make(map[string]string, len(keys))
	for i, key := range keys {
		index[fmt.Sprintf("customTagValue_%d", i+positionalOffset)] = key
	}
	return index
}

// errCeiling stops the stream once MaxRecords is reached; it is not a failure.
var errCeiling = errors.New("record ceiling reached")

// Run executes the fetch-and-map pass. Per-account upstream errors are
// counted and skipped; cancellation and fatal errors abort.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIO, "failed to create output directory").
			WithResource(opts.OutputDir)
	}

	suffix := strings.ReplaceAll(opts.StartDate+"_to_"+opts.EndDate, "-", "")
	result := &Result{
		JSONLPath:  filepath.Join(opts.OutputDir, "tagged_"+suffix+".jsonl"),
		CSVPath:    filepath.Join(opts.OutputDir, "tagged_"+suffix+".csv"),
		Stats:      Stats{PerDimension: make(map[string]int)},
		Discovered: make(map[string][]string),
	}

	activeDims := p.activeDimensions(opts.FilterDimensions)
	tagKeys := p.engine.RequiredTagKeys()
	columnIndex := ColumnIndexMap(tagKeys)

	filterSet := make(map[string]struct{}, len(opts.FilterDimensions))
	for _, name := range opts.FilterDimensions {
		filterSet[name] = struct{}{}
	}

	p.log.Info("Starting pipeline run",
		logger.String("start", opts.StartDate),
		logger.String("end", opts.EndDate),
		logger.Int("accounts", len(opts.AccountKeys)),
		logger.Int("tag_keys", len(tagKeys)))

	out, err := os.Create(result.JSONLPath)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIO, "failed to create spill file").
			WithResource(result.JSONLPath)
	}

	spillErr := p.fetchAndMap(ctx, opts, out, result, activeDims, tagKeys, columnIndex, filterSet)
	if closeErr := out.Close(); closeErr != nil && spillErr == nil {
		spillErr = apperrors.Wrap(closeErr, apperrors.KindIO, "failed to close spill file").
			WithResource(result.JSONLPath)
	}
	if spillErr != nil {
		return result, spillErr
	}

	p.setState(progress.StateWriting, "generating CSV")
	if err := p.generateCSV(result.JSONLPath, result.CSVPath, activeDims); err != nil {
		return result, err
	}

	p.log.Info("Pipeline run complete",
		logger.Int("total", result.Stats.TotalAssets),
		logger.Int("matched", result.Stats.MatchedAssets))
	return result, nil
}

func (p *Pipeline) fetchAndMap(ctx context.Context, opts Options, out *os.File, result *Result,
	activeDims []string, tagKeys []string, columnIndex map[string]string, filterSet map[string]struct{}) error {

	w := bufio.NewWriter(out)

	defaults := make(map[string]string)
	for _, d := range p.engine.Dimensions() {
		defaults[d.Name] = d.DefaultValue
	}

	matchedSeen := 0
	ceilingHit := false
	accountSpan := 100.0 / float64(len(opts.AccountKeys))

	for i, accountKey := range opts.AccountKeys {
		if ctx.Err() != nil {
			return apperrors.NewCancelled("pipeline cancelled between accounts")
		}
		if ceilingHit {
			break
		}

		p.setState(progress.StateFetchingResources,
			fmt.Sprintf("fetching account %d/%d", i+1, len(opts.AccountKeys)))
		progressBase := float64(i) * accountSpan
		p.setProgress(progressBase, "")
		accountPages := 0

		query := umbrella.AssetQuery{
			AccountKey:       accountKey,
			StartDate:        opts.StartDate,
			EndDate:          opts.EndDate,
			BatchSize:        opts.BatchSize,
			MaxPages:         opts.MaxPages,
			FilterMode:       opts.FilterMode,
			TagKeys:          tagKeys,
			FilterDimensions: opts.FilterDimensions,
		}

		streamErr := p.client.StreamAssets(ctx, query, func(batch []models.Resource) error {
			result.Stats.Pages++
			if p.metrics != nil {
				p.metrics.PagesFetched.Inc()
			}

			for _, res := range batch {
				if ctx.Err() != nil {
					return apperrors.NewCancelled("pipeline cancelled between resources")
				}
				if opts.MaxRecords > 0 && result.Stats.TotalAssets >= opts.MaxRecords {
					return errCeiling
				}

				result.Stats.TotalAssets++
				if p.metrics != nil {
					p.metrics.AssetsProcessed.Inc()
				}

				mr := p.engine.MapResource(res, columnIndex)
				harvestTags(result.Discovered, mr.Tags)

				dimsOut := mr.Dimensions
				if len(filterSet) > 0 {
					dimsOut = make(map[string]string, len(filterSet))
					for name := range filterSet {
						if value, ok := mr.Dimensions[name]; ok {
							dimsOut[name] = value
						}
					}
				}

				anyMatched := false
				for name, value := range dimsOut {
					if value != defaults[name] {
						anyMatched = true
						result.Stats.DimensionMatches++
						result.Stats.PerDimension[name]++
					}
				}

				if !anyMatched {
					result.Stats.UnmatchedAssets++
					continue
				}
				result.Stats.MatchedAssets++
				if p.metrics != nil {
					p.metrics.AssetsMatched.Inc()
				}

				record := models.TaggedRecord{
					ResourceID:    mr.ResourceID,
					LinkedAccount: mr.LinkedAccount,
					PayerAccount:  mr.PayerAccount,
					Dimensions:    dimsOut,
					Tags:          mr.Tags,
				}
				line, err := json.Marshal(record)
				if err != nil {
					continue
				}
				if _, err := w.Write(append(line, '\n')); err != nil {
					return apperrors.Wrap(err, apperrors.KindIO, "failed to write spill record").
						WithResource(out.Name())
				}

				// Uniform reservoir over the matched stream. The draw is
				// over [0, matchedSeen] inclusive so record matchedSeen+1
				// survives with probability SampleSize/(matchedSeen+1).
				if matchedSeen < SampleSize {
					result.Samples = append(result.Samples, record)
				} else if j := p.randInt(matchedSeen + 1); j < SampleSize {
					result.Samples[j] = record
				}
				matchedSeen++
			}

			p.setStat("total_assets", result.Stats.TotalAssets)
			p.setStat("matched_assets", result.Stats.MatchedAssets)

			// The page count per account is unknown up front, so the
			// per-account estimate approaches its share asymptotically.
			accountPages++
			pageFrac := float64(accountPages) / float64(accountPages+1)
			p.setProgress(progressBase+accountSpan*pageFrac,
				fmt.Sprintf("processed %d assets", result.Stats.TotalAssets))
			return nil
		})

		switch {
		case streamErr == nil:
		case errors.Is(streamErr, errCeiling):
			p.log.Info("Record ceiling reached", logger.Int("max_records", opts.MaxRecords))
			ceilingHit = true
		case apperrors.Aborts(streamErr):
			return streamErr
		default:
			// Transient upstream failure: skip this account, keep going.
			result.Stats.AccountErrors++
			p.log.Error("Account fetch failed, skipping",
				logger.String("account", accountKey),
				logger.Error(streamErr))
		}
	}

	if err := w.Flush(); err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to flush spill file").
			WithResource(out.Name())
	}
	p.setProgress(100, fmt.Sprintf("processed %d assets", result.Stats.TotalAssets))
	return nil
}

// harvestTags folds one resource's tag context into the discovered-tag map.
func harvestTags(discovered map[string][]string, tags map[string]string) {
	for key, value := range tags {
		if key == "" || value == "" {
			continue
		}
		samples := discovered[key]
		if len(samples) >= maxDiscoveredSamples {
			continue
		}
		dup := false
		for _, s := range samples {
			if s == value {
				dup = true
				break
			}
		}
		if !dup {
			discovered[key] = append(samples, value)
		}
	}
}

// newJSONLScanner returns a line scanner sized for wide resource rows.
func newJSONLScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return scanner
}

func (p *Pipeline) activeDimensions(filter []string) []string {
	var names []string
	keep := make(map[string]struct{}, len(filter))
	for _, name := range filter {
		keep[name] = struct{}{}
	}
	for _, d := range p.engine.Dimensions() {
		if len(filter) > 0 {
			if _, ok := keep[d.Name]; !ok {
				continue
			}
		}
		names = append(names, d.Name)
	}
	return names
}

// generateCSV rewrites the JSONL spill as a CSV with one vtags column per
// active dimension. Missing values are written as Unallocated.
func (p *Pipeline) generateCSV(jsonlPath, csvPath string, activeDims []string) error {
	in, err := os.Open(jsonlPath)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to open spill file").WithResource(jsonlPath)
	}
	defer in.Close()

	outFile, err := os.Create(csvPath)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to create csv file").WithResource(csvPath)
	}
	defer outFile.Close()

	writer := csv.NewWriter(outFile)
	header := []string{"resourceid", "linkedaccid", "payeraccount"}
	for _, name := range activeDims {
		header = append(header, "vtags:"+name)
	}
	if err := writer.Write(header); err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to write csv header").WithResource(csvPath)
	}

	scanner := newJSONLScanner(in)
	for scanner.Scan() {
		var rec models.TaggedRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		row := []string{rec.ResourceID, rec.LinkedAccount, rec.PayerAccount}
		for _, name := range activeDims {
			value, ok := rec.Dimensions[name]
			if !ok || value == "" {
				value = models.Unallocated
			}
			row = append(row, value)
		}
		if err := writer.Write(row); err != nil {
			return apperrors.Wrap(err, apperrors.KindIO, "failed to write csv row").WithResource(csvPath)
		}
	}
	if err := scanner.Err(); err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to read spill file").WithResource(jsonlPath)
	}

	writer.Flush()
	return writer.Error()
}

func (p *Pipeline) setState(state progress.State, message string) {
	if p.tracker != nil {
		p.tracker.SetState(state, message)
	}
}

func (p *Pipeline) setProgress(pct float64, message string) {
	if p.tracker != nil {
		p.tracker.SetProgress(pct, message)
	}
}

func (p *Pipeline) setStat(key string, value interface{}) {
	if p.tracker != nil {
		p.tracker.SetStat(key, value)
	}
}
