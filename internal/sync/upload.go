package sync

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/catherinevee/vtagger/internal/logger"
	apperrors "github.com/catherinevee/vtagger/internal/shared/errors"
	"github.com/catherinevee/vtagger/internal/shared/metrics"
	"github.com/catherinevee/vtagger/pkg/models"
)

// maxResourceIDLength is the upstream's limit on resource identifiers.
const maxResourceIDLength = 255

// notAvailable is an upstream placeholder id that must never be uploaded.
const notAvailable = "Not Available"

// uploadCSVHeader is the exact header the import endpoint expects.
var uploadCSVHeader = []string{
	"Resource Cost", "Resource Name", "Resource ID", "Service",
	"Region", "Linked Account", "Virtual Tags", "Tags",
}

// uploadRow is one cleaned row destined for a payer's import CSV.
type uploadRow struct {
	ResourceID    string
	LinkedAccount string
	Vtags         string
}

// Uploader runs the per-payer upload phase over a JSONL spill file.
type Uploader struct {
	client  Upstream
	metrics *metrics.Metrics
	log     logger.Logger
}

// NewUploader creates an uploader. m may be nil.
func NewUploader(client Upstream, m *metrics.Metrics) *Uploader {
	return &Uploader{client: client, metrics: m, log: logger.New("upload")}
}

// UploadFromJSONL groups the spill records by payer account and performs one
// gzip-compressed presigned upload per payer. accountLookup maps an upstream
// accountId or accountName to its accountKey; payers without a key are
// skipped. dimensionOrder fixes the vtag join order to the chain's evaluation
// order. Failed payers are logged and skipped; the phase continues.
func (u *Uploader) UploadFromJSONL(ctx context.Context, jsonlPath string, accountLookup map[string]string, dimensionOrder []string) ([]models.UploadRecord, error) {
	groups, err := groupByPayer(jsonlPath, dimensionOrder)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		u.log.Info("No records with virtual tags to upload")
		return nil, nil
	}

	payers := make([]string, 0, len(groups))
	for payer := range groups {
		payers = append(payers, payer)
	}
	sort.Strings(payers)

	outputDir := filepath.Dir(jsonlPath)
	var uploads []models.UploadRecord

	for i, payer := range payers {
		if ctx.Err() != nil {
			u.log.Info("Upload phase cancelled", logger.Int("completed", len(uploads)))
			return uploads, apperrors.NewCancelled("upload cancelled between payers")
		}

		rows := groups[payer]
		accountKey, ok := accountLookup[payer]
		if !ok {
			u.log.Warn("No account key for payer, skipping",
				logger.String("payer", payer))
			continue
		}

		u.log.Info("Uploading payer",
			logger.String("payer", payer),
			logger.Int("rows", len(rows)),
			logger.Int("index", i+1),
			logger.Int("payers", len(payers)))

		uploadID, err := u.uploadPayer(ctx, outputDir, payer, accountKey, rows)
		if err != nil {
			if apperrors.IsKind(err, apperrors.KindCancelled) {
				return uploads, err
			}
			if u.metrics != nil {
				u.metrics.UploadErrors.Inc()
			}
			u.log.Error("Payer upload failed, skipping",
				logger.String("payer", payer),
				logger.Error(err))
			continue
		}

		if u.metrics != nil {
			u.metrics.UploadsTotal.Inc()
		}
		uploads = append(uploads, models.UploadRecord{
			UploadID:  uploadID,
			AccountID: payer,
			TotalRows: len(rows),
		})
	}

	u.log.Info("Upload phase complete",
		logger.Int("uploaded", len(uploads)),
		logger.Int("payers", len(payers)))
	return uploads, nil
}

// uploadPayer writes, compresses, and uploads one payer's CSV. Temp files are
// removed on every exit path.
func (u *Uploader) uploadPayer(ctx context.Context, outputDir, payer, accountKey string, rows []uploadRow) (string, error) {
	csvPath := filepath.Join(outputDir, fmt.Sprintf("upload_%s_%d.csv", payer, len(rows)))
	gzPath := csvPath + ".gz"
	defer func() {
		os.Remove(csvPath)
		os.Remove(gzPath)
	}()

	if err := writeUploadCSV(csvPath, rows); err != nil {
		return "", err
	}
	if err := gzipFile(csvPath, gzPath); err != nil {
		return "", err
	}
	return u.client.UploadVirtualTags(ctx, accountKey, gzPath, true, "upsert")
}

// groupByPayer reads the spill file and builds the cleaned, deduplicated
// per-payer row groups. Records without any non-default virtual tag, with an
// empty, placeholder, or oversized resource id are dropped. The payer falls
// back to the linked account when absent.
func groupByPayer(jsonlPath string, dimensionOrder []string) (map[string][]uploadRow, error) {
	f, err := os.Open(jsonlPath)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIO, "failed to open spill file").
			WithResource(jsonlPath)
	}
	defer f.Close()

	groups := make(map[string][]uploadRow)
	seen := make(map[string]map[string]struct{})

	scanner := newSpillScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec models.TaggedRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}

		vtags := vtagString(rec.Dimensions, dimensionOrder)
		if vtags == "" {
			continue
		}
		if rec.ResourceID == "" || rec.ResourceID == notAvailable ||
			len(rec.ResourceID) > maxResourceIDLength {
			continue
		}

		payer := rec.PayerAccount
		if payer == "" {
			payer = rec.LinkedAccount
		}
		if payer == "" {
			continue
		}

		if seen[payer] == nil {
			seen[payer] = make(map[string]struct{})
		}
		if _, dup := seen[payer][rec.ResourceID]; dup {
			continue
		}
		seen[payer][rec.ResourceID] = struct{}{}

		groups[payer] = append(groups[payer], uploadRow{
			ResourceID:    rec.ResourceID,
			LinkedAccount: rec.LinkedAccount,
			Vtags:         vtags,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIO, "failed to read spill file").
			WithResource(jsonlPath)
	}
	return groups, nil
}

// vtagString joins the non-default dimension values as "name:value;..." in
// chain evaluation order. Names absent from the order, as in a spill written
// under an older chain, follow in sorted order.
func vtagString(dimensions map[string]string, order []string) string {
	keep := func(name string) bool {
		value, ok := dimensions[name]
		return ok && value != "" && value != models.Unallocated
	}

	names := make([]string, 0, len(dimensions))
	ordered := make(map[string]struct{}, len(order))
	for _, name := range order {
		ordered[name] = struct{}{}
		if keep(name) {
			names = append(names, name)
		}
	}

	var rest []string
	for name := range dimensions {
		if _, ok := ordered[name]; !ok && keep(name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	out := ""
	for i, name := range names {
		if i > 0 {
			out += ";"
		}
		out += name + ":" + dimensions[name]
	}
	return out
}

// writeUploadCSV emits the import CSV: the fixed header, then one row per
// resource with only the Resource ID, Linked Account, and Virtual Tags
// columns populated.
func writeUploadCSV(path string, rows []uploadRow) error {
	f, err := os.Create(path)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to create upload csv").WithResource(path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(uploadCSVHeader); err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to write upload csv header").WithResource(path)
	}
	for _, row := range rows {
		record := []string{"", "", row.ResourceID, "", "", row.LinkedAccount, row.Vtags, ""}
		if err := w.Write(record); err != nil {
			return apperrors.Wrap(err, apperrors.KindIO, "failed to write upload csv row").WithResource(path)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to flush upload csv").WithResource(path)
	}
	return nil
}

// newSpillScanner sizes a line scanner for wide spill records.
func newSpillScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return scanner
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to open csv for compression").WithResource(src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to create gzip file").WithResource(dst)
	}
	defer out.Close()

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		return apperrors.Wrap(err, apperrors.KindIO, "failed to compress upload csv").WithResource(dst)
	}
	if err := zw.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "failed to finish gzip stream").WithResource(dst)
	}
	return nil
}
