// Command voroninspect runs a dry-run recovery pass over a journal file
// and reports what it would have done, without ever touching a real data
// file. Passing -layout instead prints unsafe.Sizeof/unsafe.Alignof for
// the on-disk record types and exits.
package main

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ravendb/voronrecovery/journal"
	"github.com/ravendb/voronrecovery/pager"
)

var cli struct {
	Journal        string `arg:"" help:"Path to the journal file to inspect."`
	PageSize       int    `default:"8192" help:"Data page size in bytes."`
	LastSyncedTxId int64  `name:"last-synced-txid" default:"0" help:"Transactions at or below this id are reported as skipped, not applied."`
	Report         string `help:"If set, write a snappy-compressed recovery report to this path."`
	Layout         bool   `help:"Print the on-disk record layout (unsafe.Sizeof/Alignof) and exit."`
	Verbose        bool   `short:"v" help:"Log every defect the recovery pass observes."`
}

func main() {
	kong.Parse(&cli, kong.Description("Dry-run inspector for voron-style journal recovery."))

	if cli.Layout {
		printLayout()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "voroninspect:", err)
		os.Exit(1)
	}
}

// printLayout dumps field alignment and size for the two fixed-shape
// on-disk records.
func printLayout() {
	var h journal.Header
	var pi journal.PageInfo
	fmt.Printf("Header    align=%d size=%d (wire size=%d)\n", unsafe.Alignof(h), unsafe.Sizeof(h), journal.HeaderSize())
	fmt.Printf("PageInfo  align=%d size=%d\n", unsafe.Alignof(pi), unsafe.Sizeof(pi))
}

type report struct {
	Journal             string
	TransactionsApplied int
	TransactionsSkipped int
	PagesMaterialised   int
	BytesMaterialised   int64
	LastTransactionId   int64
	RequireHeaderUpdate bool
	Next4Kb             uint32
	Duration            time.Duration
}

func (r report) String() string {
	return fmt.Sprintf(
		"journal=%s applied=%d skipped=%d pages=%d bytes=%s last_tx=%d require_header_update=%t next_4kb=%d duration=%s",
		r.Journal, r.TransactionsApplied, r.TransactionsSkipped, r.PagesMaterialised,
		humanize.Bytes(uint64(r.BytesMaterialised)), r.LastTransactionId, r.RequireHeaderUpdate, r.Next4Kb, r.Duration,
	)
}

func run() error {
	log := logrus.StandardLogger()
	if cli.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	journalPager, err := pager.OpenMmapPager(cli.Journal, cli.PageSize, true, log)
	if err != nil {
		return errors.Wrap(err, "open journal")
	}
	defer journalPager.Close()

	capacity4Kb := journalPager.NumberOfAllocatedPages() * uint32(cli.PageSize/4096)

	counter := &countingPager{inner: pager.NewScratchPager(cli.PageSize)}
	recoveryPager := pager.NewScratchPager(cli.PageSize)

	var defects []string
	r := journal.NewReader(journal.Config{
		JournalPager:       journalPager,
		DataPager:          counter,
		RecoveryPager:      recoveryPager,
		JournalName:        cli.Journal,
		PageSize:           cli.PageSize,
		JournalCapacity4Kb: capacity4Kb,
		LastSyncedTxId:     cli.LastSyncedTxId,
		Log:                log,
		OnDefect: func(source, message string, cause error) {
			line := fmt.Sprintf("[%s] %s", source, message)
			if cause != nil {
				line += ": " + cause.Error()
			}
			defects = append(defects, line)
			log.WithField("source", source).Warn(message)
		},
	})
	defer r.Close()

	start := time.Now()
	applied, skipped, recoverErr := drive(r, counter)
	elapsed := time.Since(start)

	lastTxID := int64(0)
	if h := r.LastTransactionHeader(); h != nil {
		lastTxID = h.TransactionId
	}

	rep := report{
		Journal:             cli.Journal,
		TransactionsApplied: applied,
		TransactionsSkipped: skipped,
		PagesMaterialised:   counter.pagesWritten,
		BytesMaterialised:   counter.bytesWritten,
		LastTransactionId:   lastTxID,
		RequireHeaderUpdate: r.RequireHeaderUpdate(),
		Next4Kb:             r.Next4Kb(),
		Duration:            elapsed,
	}

	fmt.Println(rep)
	for _, d := range defects {
		fmt.Println(" -", d)
	}

	if cli.Report != "" {
		if err := writeCompressedReport(cli.Report, rep, defects); err != nil {
			return errors.Wrap(err, "write report")
		}
	}

	if recoverErr != nil {
		return errors.Wrap(recoverErr, "recovery aborted on structural corruption")
	}
	return nil
}

// drive runs the reader to completion, classifying each accepted
// transaction as applied (it wrote at least one page through counter) or
// skipped (it only advanced the cursor, per the lastSyncedTxId rule).
func drive(r *journal.Reader, counter *countingPager) (applied, skipped int, err error) {
	var lastSeen int64
	for {
		before := counter.pagesWritten
		more, stepErr := r.ReadOne()
		if stepErr != nil {
			return applied, skipped, stepErr
		}
		if h := r.LastTransactionHeader(); h != nil && h.TransactionId != lastSeen {
			lastSeen = h.TransactionId
			if counter.pagesWritten > before {
				applied++
			} else {
				skipped++
			}
		}
		if !more {
			return applied, skipped, nil
		}
	}
}

func writeCompressedReport(path string, rep report, defects []string) error {
	body := rep.String() + "\n"
	for _, d := range defects {
		body += d + "\n"
	}
	compressed := snappy.Encode(nil, []byte(body))
	return os.WriteFile(path, compressed, 0o644)
}

// countingPager wraps an in-memory scratch pager as the dry-run data
// target: nothing it records is ever written to a real data file, but
// every would-be write is counted so the report can say how much work a
// real recovery pass would do.
type countingPager struct {
	inner        *pager.ScratchPager
	pagesWritten int
	bytesWritten int64
}

func (c *countingPager) EnsureContinuous(pageNumber, count uint32) error {
	return c.inner.EnsureContinuous(pageNumber, count)
}
func (c *countingPager) EnsureMapped(tx pager.TxState, pageNumber, count uint32) error {
	return c.inner.EnsureMapped(tx, pageNumber, count)
}
func (c *countingPager) AcquirePagePointer(tx pager.TxState, pageNumber uint32) ([]byte, error) {
	return c.inner.AcquirePagePointer(tx, pageNumber)
}
func (c *countingPager) UnprotectRange(ptr []byte) error {
	c.pagesWritten++
	c.bytesWritten += int64(len(ptr))
	return c.inner.UnprotectRange(ptr)
}
func (c *countingPager) ProtectRange(ptr []byte) error       { return c.inner.ProtectRange(ptr) }
func (c *countingPager) TotalAllocationSize() int64          { return c.inner.TotalAllocationSize() }
func (c *countingPager) NumberOfAllocatedPages() uint32      { return c.inner.NumberOfAllocatedPages() }
func (c *countingPager) PageSize() int                       { return c.inner.PageSize() }
func (c *countingPager) Dispose(tx pager.TxState)            { c.inner.Dispose(tx) }
