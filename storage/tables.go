package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"kanban-engine/domain"
)

const (
	boardRowKey = "board"

	// A string property holds at most 64 KiB of UTF-16, and every byte of
	// UTF-8 is at most one UTF-16 unit, so chunks are cut at 32 KiB.
	snapshotChunkSize = 32 * 1024
	// Keeps the entity under the 1 MiB limit.
	maxSnapshotChunks = 15
)

// ErrSnapshotTooLarge is returned when a board no longer fits in one table entity.
var ErrSnapshotTooLarge = errors.New("board snapshot exceeds the table entity limit")

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	CreateTable(ctx context.Context, options *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
}

// TableRepository stores one entity per board in Azure Table Storage.
type TableRepository struct {
	table tableClient
}

// NewTableRepository connects to the boards table using a storage connection string.
func NewTableRepository(connStr, boardsTable string) (*TableRepository, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableRepository{table: svc.NewClient(boardsTable)}, nil
}

// boardEntity holds the fixed columns. The snapshot JSON itself is spread over
// Snapshot00..SnapshotNN string properties.
type boardEntity struct {
	aztables.Entity
	Version  int64 `json:"Version"`
	Archived bool  `json:"Archived"`
	Chunks   int   `json:"Chunks"`
}

// EnsureTable creates the boards table unless it already exists.
func (r *TableRepository) EnsureTable(ctx context.Context) error {
	_, err := r.table.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}

func (r *TableRepository) Load(ctx context.Context, boardID string) (domain.Board, string, error) {
	resp, err := r.table.GetEntity(ctx, boardID, boardRowKey, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return domain.Board{}, "", fmt.Errorf("board %s: %w", boardID, domain.ErrBoardNotFound)
		}
		return domain.Board{}, "", err
	}
	var ent boardEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Board{}, "", err
	}
	if ent.Archived {
		return domain.Board{}, "", fmt.Errorf("board %s is archived: %w", boardID, domain.ErrBoardNotFound)
	}
	snapshot, err := joinSnapshot(resp.Value, ent.Chunks)
	if err != nil {
		return domain.Board{}, "", fmt.Errorf("decode board %s: %w", boardID, err)
	}
	var b domain.Board
	if err := sonic.UnmarshalString(snapshot, &b); err != nil {
		return domain.Board{}, "", fmt.Errorf("decode board %s: %w", boardID, err)
	}
	return b, string(resp.ETag), nil
}

func (r *TableRepository) Insert(ctx context.Context, b domain.Board) error {
	payload, err := encodeBoardEntity(b)
	if err != nil {
		return err
	}
	_, err = r.table.AddEntity(ctx, payload, nil)
	if isStatus(err, http.StatusConflict) {
		return fmt.Errorf("board %s already exists: %w", b.ID, domain.ErrConcurrencyConflict)
	}
	return err
}

func (r *TableRepository) Replace(ctx context.Context, b domain.Board, etag string) error {
	payload, err := encodeBoardEntity(b)
	if err != nil {
		return err
	}
	et := azcore.ETag(etag)
	_, err = r.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	switch {
	case isStatus(err, http.StatusPreconditionFailed):
		return domain.ErrConcurrencyConflict
	case isStatus(err, http.StatusNotFound):
		return fmt.Errorf("board %s: %w", b.ID, domain.ErrBoardNotFound)
	}
	return err
}

func encodeBoardEntity(b domain.Board) ([]byte, error) {
	snapshot, err := sonic.MarshalString(b)
	if err != nil {
		return nil, err
	}
	chunks := splitSnapshot(snapshot)
	if len(chunks) > maxSnapshotChunks {
		return nil, fmt.Errorf("board %s: %d bytes: %w", b.ID, len(snapshot), ErrSnapshotTooLarge)
	}
	props := map[string]any{
		"PartitionKey": b.ID,
		"RowKey":       boardRowKey,
		"Version":      b.Version,
		"Archived":     b.Archived,
		"Chunks":       len(chunks),
	}
	for i, chunk := range chunks {
		props[chunkProperty(i)] = chunk
	}
	return sonic.Marshal(props)
}

// splitSnapshot cuts s into chunks of at most snapshotChunkSize bytes without
// splitting a UTF-8 sequence.
func splitSnapshot(s string) []string {
	var chunks []string
	for len(s) > snapshotChunkSize {
		cut := snapshotChunkSize
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	return append(chunks, s)
}

func joinSnapshot(raw []byte, n int) (string, error) {
	var props map[string]any
	if err := sonic.Unmarshal(raw, &props); err != nil {
		return "", err
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		chunk, ok := props[chunkProperty(i)].(string)
		if !ok {
			return "", fmt.Errorf("missing snapshot chunk %d of %d", i, n)
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

func chunkProperty(i int) string {
	return fmt.Sprintf("Snapshot%02d", i)
}

func isStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}
