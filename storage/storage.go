package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"subscription-proxy/domain"
)

type tableAPI interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Config names the tables backing the local store.
type Config struct {
	ConnectionString string
	RecordsTable     string
	HistoryTable     string
}

// Store is the local strategy: current versions live in the records table
// (PartitionKey=type, RowKey=id), every version and tombstone in the history table.
type Store struct {
	records tableAPI
	history tableAPI
	now     func() time.Time
	newID   func() string
}

// New creates a Store from the given configuration.
func New(cfg Config) (*Store, error) {
	if cfg.ConnectionString == "" || cfg.RecordsTable == "" || cfg.HistoryTable == "" {
		return nil, errors.New("storage: connection string and table names are required")
	}
	tablesClientOptions := aztables.ClientOptions{
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
	svc, err := aztables.NewServiceClientFromConnectionString(cfg.ConnectionString, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return newStore(svc.NewClient(cfg.RecordsTable), svc.NewClient(cfg.HistoryTable)), nil
}

func newStore(records, history tableAPI) *Store {
	return &Store{
		records: records,
		history: history,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

type recordEntity struct {
	aztables.Entity
	VersionID   string `json:"VersionId"`
	LastUpdated string `json:"LastUpdated"`
	Content     string `json:"Content"`
}

type historyEntity struct {
	aztables.Entity
	ResourceID  string `json:"ResourceId"`
	VersionID   string `json:"VersionId"`
	LastUpdated string `json:"LastUpdated"`
	Method      string `json:"Method"`
	Deleted     bool   `json:"Deleted"`
	Content     string `json:"Content"`
}

func historyKey(id, version string) string {
	n, err := strconv.Atoi(version)
	if err != nil {
		return id + "|" + version
	}
	return fmt.Sprintf("%s|%010d", id, n)
}

func (e recordEntity) record() *domain.Record {
	rec := &domain.Record{
		Type:      e.PartitionKey,
		ID:        e.RowKey,
		VersionID: e.VersionID,
		Content:   []byte(e.Content),
	}
	rec.LastUpdated, _ = time.Parse(time.RFC3339Nano, e.LastUpdated)
	return rec
}

func (e historyEntity) record() *domain.Record {
	rec := &domain.Record{
		Type:      e.PartitionKey,
		ID:        e.ResourceID,
		VersionID: e.VersionID,
	}
	if !e.Deleted {
		rec.Content = []byte(e.Content)
	}
	rec.LastUpdated, _ = time.Parse(time.RFC3339Nano, e.LastUpdated)
	return rec
}

// translate maps table service failures onto the shared error kinds.
func translate(err error, msg string) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return domain.Wrap(domain.KindNotFound, err, msg)
		case http.StatusConflict:
			return domain.Wrap(domain.KindConflict, err, msg)
		case http.StatusPreconditionFailed:
			return domain.Wrap(domain.KindPreconditionFailed, err, msg)
		}
	}
	return domain.Wrap(domain.KindInternal, err, msg)
}

func isStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}

// current loads the current version and its table ETag.
func (s *Store) current(ctx context.Context, typ, id string) (*domain.Record, azcore.ETag, error) {
	resp, err := s.records.GetEntity(ctx, typ, id, nil)
	if err != nil {
		return nil, "", err
	}
	var ent recordEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return nil, "", err
	}
	return ent.record(), resp.ETag, nil
}

// versions lists every history row of one resource.
func (s *Store) versions(ctx context.Context, typ, id string) ([]historyEntity, error) {
	filter := "PartitionKey eq '" + escape(typ) + "' and ResourceId eq '" + escape(id) + "'"
	return s.listHistory(ctx, filter)
}

func (s *Store) listHistory(ctx context.Context, filter string) ([]historyEntity, error) {
	pager := s.history.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out []historyEntity
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent historyEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out = append(out, ent)
		}
	}
	return out, nil
}

func latestVersion(rows []historyEntity) int {
	latest := 0
	for _, r := range rows {
		if n, err := strconv.Atoi(r.VersionID); err == nil && n > latest {
			latest = n
		}
	}
	return latest
}

func escape(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
