// Package recon implements the payout-batch job's settlement and audit
// trail: grouping SUCCEEDED intents into a Payout per merchant/currency,
// submitting the on-chain transfer, and writing a CSV/Parquet reconciliation
// report for every batch. Grounded on the teacher's
// services/otc-gateway/recon/reconciler.go writeCSV/writeParquet pair.
package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"paymentgateway/internal/chainclient"
	"paymentgateway/internal/domain"
	"paymentgateway/internal/store"
)

const cryptoDecimals = 18

// Batcher runs the payout-batch job: it settles eligible merchants' pending
// SUCCEEDED intents into on-chain payouts and writes an audit report per
// batch. Invoked by Scheduler's payout-batch job (spec §4.6).
type Batcher struct {
	store     *store.Store
	chain     chainclient.Client
	outputDir string
	now       func() time.Time
}

// New constructs a Batcher. outputDir is the root directory reconciliation
// reports are written under, one subdirectory per run.
func New(st *store.Store, chain chainclient.Client, outputDir string) *Batcher {
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("data", "recon")
	}
	return &Batcher{store: st, chain: chain, outputDir: outputDir, now: time.Now}
}

// Run evaluates every merchant's payout cadence, settles the ones that are
// due and have enough pending net proceeds, and writes a reconciliation
// report for each batch actually sent.
func (b *Batcher) Run(ctx context.Context) error {
	merchants, err := b.store.ListMerchants(ctx)
	if err != nil {
		return fmt.Errorf("recon: list merchants: %w", err)
	}
	now := b.now().UTC()
	for _, merchant := range merchants {
		if merchant.PayoutSchedule == domain.PayoutManual {
			continue
		}
		due, err := b.isDue(ctx, merchant, now)
		if err != nil {
			return fmt.Errorf("recon: check cadence for merchant %s: %w", merchant.ID, err)
		}
		if !due {
			continue
		}
		if err := b.settleMerchant(ctx, merchant, now); err != nil {
			return fmt.Errorf("recon: settle merchant %s: %w", merchant.ID, err)
		}
	}
	return nil
}

func (b *Batcher) isDue(ctx context.Context, merchant domain.Merchant, now time.Time) (bool, error) {
	last, err := b.store.LatestPayoutAt(ctx, merchant.ID.String())
	if err != nil {
		return false, err
	}
	if last == nil {
		return true, nil
	}
	var cadence time.Duration
	switch merchant.PayoutSchedule {
	case domain.PayoutDaily:
		cadence = 24 * time.Hour
	case domain.PayoutWeekly:
		cadence = 7 * 24 * time.Hour
	default:
		return false, nil
	}
	return now.Sub(*last) >= cadence, nil
}

// settleMerchant groups merchant's pending intents by crypto currency (one
// on-chain transfer only ever moves a single asset), submits a payout per
// group that clears min_payout_amount, and writes one reconciliation report
// covering every group settled this run.
func (b *Batcher) settleMerchant(ctx context.Context, merchant domain.Merchant, now time.Time) error {
	pending, err := b.store.SucceededIntentsPendingPayout(ctx, merchant.ID.String())
	if err != nil {
		return fmt.Errorf("load pending intents: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	byCurrency := make(map[domain.CryptoCurrency][]domain.Intent)
	for _, intent := range pending {
		byCurrency[intent.CryptoCurrency] = append(byCurrency[intent.CryptoCurrency], intent)
	}

	var settled []settledBatch
	for currency, group := range byCurrency {
		batch, err := b.settleGroup(ctx, merchant, currency, group, now)
		if err != nil {
			return err
		}
		if batch != nil {
			settled = append(settled, *batch)
		}
	}
	if len(settled) == 0 {
		return nil
	}
	return b.writeReport(merchant, settled, now)
}

type settledBatch struct {
	payout  domain.Payout
	intents []domain.Intent
}

func (b *Batcher) settleGroup(ctx context.Context, merchant domain.Merchant, currency domain.CryptoCurrency, group []domain.Intent, now time.Time) (*settledBatch, error) {
	var gross int64
	cryptoGross := new(big.Rat)
	intentIDs := make([]string, 0, len(group))
	for _, intent := range group {
		gross += intent.FiatAmount
		amount, ok := new(big.Rat).SetString(intent.CryptoAmount)
		if !ok {
			return nil, fmt.Errorf("intent %s: malformed crypto amount %q", intent.ID, intent.CryptoAmount)
		}
		cryptoGross.Add(cryptoGross, amount)
		intentIDs = append(intentIDs, intent.ID.String())
	}
	fee := gross * int64(merchant.PlatformFeeBps) / 10_000
	net := gross - fee
	if net < merchant.MinPayoutAmount {
		return nil, nil
	}

	feeRat := new(big.Rat).Mul(cryptoGross, big.NewRat(int64(merchant.PlatformFeeBps), 10_000))
	cryptoNet := new(big.Rat).Sub(cryptoGross, feeRat)
	cryptoNetStr := truncateRat(cryptoNet, cryptoDecimals)

	txHash, err := b.chain.Payout(ctx, merchant.WalletAddress, cryptoNetStr)
	if err != nil {
		return nil, fmt.Errorf("%w: payout transfer for merchant %s currency %s: %v", domain.ErrChainUnavailable, merchant.ID, currency, err)
	}

	payout := domain.Payout{
		ID:         uuid.New(),
		MerchantID: merchant.ID,
		IntentIDs:  intentIDs,
		Gross:      gross,
		Fee:        fee,
		Net:        net,
		Status:     domain.PayoutStatusSent,
		TxHash:     txHash,
		CreatedAt:  now,
	}
	if err := b.store.CreatePayout(ctx, &payout); err != nil {
		return nil, fmt.Errorf("persist payout: %w", err)
	}
	if err := b.store.AttachPayout(ctx, payout.ID.String(), intentIDs); err != nil {
		return nil, fmt.Errorf("attach payout to intents: %w", err)
	}
	return &settledBatch{payout: payout, intents: group}, nil
}

func truncateRat(r *big.Rat, places int) string {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(places)), nil)
	scaled := new(big.Int).Mul(r.Num(), scale)
	scaled.Quo(scaled, r.Denom())

	neg := scaled.Sign() < 0
	if neg {
		scaled.Neg(scaled)
	}
	digits := scaled.String()
	for len(digits) <= places {
		digits = "0" + digits
	}
	intPart := digits[:len(digits)-places]
	fracPart := strings.TrimRight(digits[len(digits)-places:], "0")
	out := intPart
	if fracPart != "" {
		out = out + "." + fracPart
	}
	if neg {
		out = "-" + out
	}
	return out
}

// reportRow is one settled intent's contribution to a payout batch's audit
// trail, joining store rows against the chain confirmation that settled them.
type reportRow struct {
	PayoutID       string
	MerchantID     string
	IntentID       string
	FiatAmount     int64
	FiatCurrency   string
	CryptoAmount   string
	CryptoCurrency string
	TxHash         string
	CreatedAt      time.Time
}

func (b *Batcher) writeReport(merchant domain.Merchant, batches []settledBatch, now time.Time) error {
	var rows []reportRow
	for _, batch := range batches {
		for _, intent := range batch.intents {
			rows = append(rows, reportRow{
				PayoutID:       batch.payout.ID.String(),
				MerchantID:     merchant.ID.String(),
				IntentID:       intent.ID.String(),
				FiatAmount:     intent.FiatAmount,
				FiatCurrency:   string(intent.FiatCurrency),
				CryptoAmount:   intent.CryptoAmount,
				CryptoCurrency: string(intent.CryptoCurrency),
				TxHash:         batch.payout.TxHash,
				CreatedAt:      now,
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}

	runDir := filepath.Join(b.outputDir, now.Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("ensure output dir: %w", err)
	}
	basename := merchant.ID.String()
	if err := writeCSV(filepath.Join(runDir, basename+".csv"), rows); err != nil {
		return err
	}
	if err := writeParquet(filepath.Join(runDir, basename+".parquet"), rows); err != nil {
		return err
	}
	return nil
}

func writeCSV(path string, rows []reportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"payout_id", "merchant_id", "intent_id", "fiat_amount", "fiat_currency", "crypto_amount", "crypto_currency", "tx_hash", "created_at"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.PayoutID,
			row.MerchantID,
			row.IntentID,
			fmt.Sprintf("%d", row.FiatAmount),
			row.FiatCurrency,
			row.CryptoAmount,
			row.CryptoCurrency,
			row.TxHash,
			row.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	PayoutID       string `parquet:"name=payout_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	MerchantID     string `parquet:"name=merchant_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	IntentID       string `parquet:"name=intent_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	FiatAmount     int64  `parquet:"name=fiat_amount, type=INT64"`
	FiatCurrency   string `parquet:"name=fiat_currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	CryptoAmount   string `parquet:"name=crypto_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	CryptoCurrency string `parquet:"name=crypto_currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash         string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt      string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []reportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			PayoutID:       row.PayoutID,
			MerchantID:     row.MerchantID,
			IntentID:       row.IntentID,
			FiatAmount:     row.FiatAmount,
			FiatCurrency:   row.FiatCurrency,
			CryptoAmount:   row.CryptoAmount,
			CryptoCurrency: row.CryptoCurrency,
			TxHash:         row.TxHash,
			CreatedAt:      row.CreatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	return file.Close()
}
