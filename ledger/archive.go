package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/corpcore/orchestrator/internal/fsstore"
)

// ArchiveBucketsOlderThan zstd-compresses every monthly bucket whose month
// is older than cutoff into a single "<bucket>.jsonl.zst" file and removes
// the uncompressed per-entry files, bounding the live directory's size for
// long-running deployments without discarding history (it's still fully
// readable by decompressing the archive).
func (l *Ledger) ArchiveBucketsOlderThan(cutoff time.Time) error {
	buckets, err := l.store.List("ledger")
	if err != nil {
		return nil
	}
	cutoffBucket := bucketOf(cutoff)

	sort.Strings(buckets)
	for _, bucket := range buckets {
		if bucket >= cutoffBucket || len(bucket) != len(bucketTimeFormat) {
			continue
		}
		if err := l.archiveBucket(bucket); err != nil {
			return fmt.Errorf("ledger: archive bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func (l *Ledger) archiveBucket(bucket string) error {
	dir := "ledger/" + bucket
	files, err := l.store.List(dir)
	if err != nil || len(files) == 0 {
		return nil
	}
	sort.Strings(files)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()

	var plain []byte
	for _, f := range files {
		raw, err := l.store.ReadBytes(dir + "/" + f)
		if err != nil {
			return err
		}
		plain = append(plain, raw...)
		plain = append(plain, '\n')
	}

	compressed := enc.EncodeAll(plain, nil)
	if err := l.store.WriteBytes(dir+".jsonl.zst", compressed); err != nil {
		return err
	}
	for _, f := range files {
		if err := l.store.Remove(dir + "/" + f); err != nil {
			return err
		}
	}
	return l.store.Remove(dir)
}

// readArchivedBucket decompresses a previously archived bucket. Only the
// tests call it; ReadSince and Query read live bucket directories and do
// not look inside archived buckets.
func readArchivedBucket(store *fsstore.Store, bucket string) ([]byte, error) {
	compressed, err := store.ReadBytes("ledger/" + bucket + ".jsonl.zst")
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}
