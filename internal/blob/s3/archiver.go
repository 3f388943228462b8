package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tapelens/tapelens/internal/domain"
)

// minPartSize is the minimum part size S3 accepts for multipart uploads.
const minPartSize int64 = 5 * 1024 * 1024

// multipartThreshold is the batch byte size above which the archiver switches
// from a single PutObject to the multipart uploader.
const multipartThreshold = 8 * 1024 * 1024

// tradeLine is the on-disk row format, one JSON object per line.
type tradeLine struct {
	AggTradeID   int64   `json:"agg_trade_id"`
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Qty          float64 `json:"qty"`
	TradeTimeMs  int64   `json:"trade_time_ms"`
	IsBuyerMaker bool    `json:"is_buyer_maker"`
}

// BatchInfo describes one archived batch object.
type BatchInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// TradeArchiver writes batches of trades to object storage as JSONL and reads
// them back. Keys are partitioned by symbol and day:
//
//	trades/BTCUSDT/2026-08-30/823410155-823612001.jsonl
type TradeArchiver struct {
	client *s3.Client
	bucket string
}

// NewTradeArchiver creates an archiver writing to the client's bucket.
func NewTradeArchiver(c *Client) *TradeArchiver {
	return &TradeArchiver{
		client: c.s3,
		bucket: c.bucket,
	}
}

// ArchiveBatch uploads trades as one JSONL object and returns its key. The
// batch must be non-empty and sorted by trade id, matching what the trade
// buffer evicts.
func (a *TradeArchiver) ArchiveBatch(ctx context.Context, symbol string, trades []domain.TradeRecord) (string, error) {
	if len(trades) == 0 {
		return "", fmt.Errorf("s3blob: archive batch: %w: empty batch", domain.ErrValidation)
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive batch marshal: %w", err)
	}

	key := batchKey(symbol, trades)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String("application/x-ndjson"),
	}

	if int64(len(buf)) >= multipartThreshold {
		uploader := manager.NewUploader(a.client, func(u *manager.Uploader) {
			u.PartSize = minPartSize
		})
		if _, err := uploader.Upload(ctx, input); err != nil {
			return "", fmt.Errorf("s3blob: multipart upload %s: %w", key, err)
		}
		return key, nil
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("s3blob: put object %s: %w", key, err)
	}
	return key, nil
}

// ReadBatch retrieves one archived batch and decodes its trades. Returns
// domain.ErrNotFound when the object does not exist.
func (a *TradeArchiver) ReadBatch(ctx context.Context, key string) ([]domain.TradeRecord, error) {
	output, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3blob: read batch %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3blob: read batch %s: %w", key, err)
	}
	defer output.Body.Close()

	return unmarshalJSONL(output.Body)
}

// ListBatches returns metadata for every archived batch for a symbol,
// following pagination until exhausted.
func (a *TradeArchiver) ListBatches(ctx context.Context, symbol string) ([]BatchInfo, error) {
	prefix := "trades/" + symbol + "/"

	var infos []BatchInfo
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := BatchInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// DeleteBatch removes an archived batch. Idempotent.
func (a *TradeArchiver) DeleteBatch(ctx context.Context, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3blob: delete %s: %w", key, err)
	}
	return nil
}

func batchKey(symbol string, trades []domain.TradeRecord) string {
	first, last := trades[0], trades[len(trades)-1]
	return fmt.Sprintf("trades/%s/%s/%d-%d.jsonl",
		symbol, first.Timestamp.UTC().Format("2006-01-02"),
		first.AggTradeID, last.AggTradeID)
}

func marshalJSONL(trades []domain.TradeRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, t := range trades {
		line := tradeLine{
			AggTradeID:   t.AggTradeID,
			Symbol:       t.Symbol,
			Price:        t.Price,
			Qty:          t.Qty,
			TradeTimeMs:  t.Timestamp.UnixMilli(),
			IsBuyerMaker: t.IsBuyerMaker,
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func unmarshalJSONL(r io.Reader) ([]domain.TradeRecord, error) {
	dec := json.NewDecoder(r)

	var trades []domain.TradeRecord
	for {
		var line tradeLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("s3blob: decode record %d: %w", len(trades), err)
		}
		trades = append(trades, domain.TradeRecord{
			AggTradeID:   line.AggTradeID,
			Symbol:       line.Symbol,
			Price:        line.Price,
			Qty:          line.Qty,
			Timestamp:    time.UnixMilli(line.TradeTimeMs).UTC(),
			IsBuyerMaker: line.IsBuyerMaker,
		})
	}
	return trades, nil
}

// isNotFound reports whether the error means the object does not exist. It
// covers the typed SDK errors plus the bare 404 some providers return.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	type httpResponseError interface {
		HTTPStatusCode() int
	}
	var httpErr httpResponseError
	if errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}
