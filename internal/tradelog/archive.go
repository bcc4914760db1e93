package tradelog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "futuresfleet/config"
	"futuresfleet/internal/metrics"
	"futuresfleet/logger"
)

// Uploader is the part of the S3 client the archive needs.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from the archive section, preferring static keys when both are set.
func NewS3Client(ctx context.Context, cfg appconfig.S3ArchiveConfig) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// parquetEvent is the archived row layout.
type parquetEvent struct {
	EventID       string  `parquet:"name=event_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	UserID        string  `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol        string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timeframe     string  `parquet:"name=timeframe, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strategy      string  `parquet:"name=strategy, type=BYTE_ARRAY, convertedtype=UTF8"`
	Action        string  `parquet:"name=action, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side          string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason        string  `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity      float64 `parquet:"name=quantity, type=DOUBLE"`
	Price         float64 `parquet:"name=price, type=DOUBLE"`
	StopLossPct   float64 `parquet:"name=stop_loss_pct, type=DOUBLE"`
	TakeProfitPct float64 `parquet:"name=take_profit_pct, type=DOUBLE"`
	PnL           float64 `parquet:"name=pnl, type=DOUBLE"`
	EventTime     int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

func toParquet(e Event) parquetEvent {
	return parquetEvent{
		EventID:       e.ID.String(),
		UserID:        e.UserID,
		Symbol:        strings.ToUpper(e.Symbol),
		Timeframe:     e.Timeframe,
		Strategy:      e.Strategy,
		Action:        string(e.Action),
		Side:          e.Side,
		Reason:        e.Reason,
		Quantity:      e.Quantity,
		Price:         e.Price,
		StopLossPct:   e.StopLossPct,
		TakeProfitPct: e.TakeProfitPct,
		PnL:           e.PnL,
		EventTime:     e.Time.UTC().UnixMilli(),
	}
}

// ArchiveOptions tune buffering.
type ArchiveOptions struct {
	Bucket        string
	Prefix        string
	FlushInterval time.Duration
	MaxBuffer     int
}

// Archive buffers events per symbol and uploads them as snappy parquet objects.
// A failed upload keeps the events buffered for the next flush.
type Archive struct {
	up      Uploader
	opts    ArchiveOptions
	log     *logger.Log
	now     func() time.Time
	mu      sync.Mutex
	buffer  map[string][]Event
	since   map[string]time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewArchive(up Uploader, opts ArchiveOptions, log *logger.Log) (*Archive, error) {
	opts.Bucket = strings.TrimSpace(opts.Bucket)
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Minute
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = 500
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	if log == nil {
		log = logger.GetLogger()
	}
	return &Archive{
		up:     up,
		opts:   opts,
		log:    log,
		now:    time.Now,
		buffer: make(map[string][]Event),
		since:  make(map[string]time.Time),
	}, nil
}

// Record buffers the event and uploads the symbol's batch once it reaches MaxBuffer.
func (a *Archive) Record(ctx context.Context, e Event) error {
	key := strings.ToUpper(strings.TrimSpace(e.Symbol))
	if key == "" {
		key = "UNKNOWN"
	}
	a.mu.Lock()
	a.buffer[key] = append(a.buffer[key], e)
	if _, ok := a.since[key]; !ok {
		a.since[key] = a.now()
	}
	full := len(a.buffer[key]) >= a.opts.MaxBuffer
	a.mu.Unlock()

	if full {
		return a.flushKey(ctx, key)
	}
	return nil
}

// Start launches the periodic flusher.
func (a *Archive) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("trade archive already running")
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	tick := a.opts.FlushInterval / 5
	if tick < time.Second {
		tick = time.Second
	}
	go a.flushWorker(ctx, tick, a.done)

	a.log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":         a.opts.Bucket,
		"prefix":         a.opts.Prefix,
		"flush_interval": a.opts.FlushInterval.String(),
		"max_buffer":     a.opts.MaxBuffer,
	}).Info("trade archive started")
	return nil
}

// Stop ends the flusher and uploads whatever is still buffered.
func (a *Archive) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return a.Flush(ctx)
	}
	a.running = false
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	<-done
	return a.Flush(ctx)
}

func (a *Archive) flushWorker(ctx context.Context, tick time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flushDue(ctx)
		}
	}
}

func (a *Archive) flushDue(ctx context.Context) {
	now := a.now()
	a.mu.Lock()
	var keys []string
	for key, events := range a.buffer {
		if len(events) > 0 && now.Sub(a.since[key]) >= a.opts.FlushInterval {
			keys = append(keys, key)
		}
	}
	a.mu.Unlock()

	for _, key := range keys {
		_ = a.flushKey(ctx, key)
	}
}

// Flush uploads every non-empty buffer.
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	keys := make([]string, 0, len(a.buffer))
	for key, events := range a.buffer {
		if len(events) > 0 {
			keys = append(keys, key)
		}
	}
	a.mu.Unlock()
	sort.Strings(keys)

	var firstErr error
	for _, key := range keys {
		if err := a.flushKey(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pending counts buffered events.
func (a *Archive) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, events := range a.buffer {
		n += len(events)
	}
	return n
}

func (a *Archive) flushKey(ctx context.Context, key string) error {
	a.mu.Lock()
	events := a.buffer[key]
	if len(events) == 0 {
		a.mu.Unlock()
		return nil
	}
	delete(a.buffer, key)
	delete(a.since, key)
	a.mu.Unlock()

	err := a.upload(ctx, key, events)
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeFailed
		a.requeue(key, events)
		a.log.WithComponent("archive").WithError(err).WithFields(logger.Fields{
			"symbol": key,
			"events": len(events),
		}).Error("failed to archive trade events")
	}
	metrics.Count("archive", metrics.ArchiveUploads, logger.Fields{"outcome": outcome})
	return err
}

func (a *Archive) requeue(key string, events []Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer[key] = append(events, a.buffer[key]...)
	if _, ok := a.since[key]; !ok {
		a.since[key] = a.now()
	}
}

func (a *Archive) upload(ctx context.Context, symbol string, events []Event) error {
	data, err := encodeParquet(events)
	if err != nil {
		return fmt.Errorf("encode parquet: %w", err)
	}

	key := objectKey(a.opts.Prefix, symbol, events)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	_, err = a.up.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	a.log.WithComponent("archive").WithFields(logger.Fields{
		"s3_key":  key,
		"records": len(events),
		"bytes":   len(data),
	}).Info("trade events archived")
	return nil
}

func encodeParquet(events []Event) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(parquetEvent), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, e := range events {
		if err := pw.Write(toParquet(e)); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

// objectKey partitions by symbol and day of the newest event.
func objectKey(prefix, symbol string, events []Event) string {
	var newest time.Time
	for _, e := range events {
		if e.Time.After(newest) {
			newest = e.Time
		}
	}
	newest = newest.UTC()

	name := fmt.Sprintf("trades_%s_%s_%s.parquet",
		symbol, newest.Format("20060102150405"), events[0].ID.String()[:8])
	parts := []string{
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("date=%04d-%02d-%02d", newest.Year(), newest.Month(), newest.Day()),
		name,
	}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return path.Join(parts...)
}
