package storage

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

// fakeTable is an in-memory table client. Filters support "Prop eq 'v'"
// terms joined by "and".
type fakeTable struct {
	mu       sync.Mutex
	rows     map[string][]byte
	etags    map[string]int
	seq      int
	failAdd  error
	failUpd  error
	addCalls int
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: map[string][]byte{}, etags: map[string]int{}}
}

func respErr(status int, code string) error {
	return &azcore.ResponseError{StatusCode: status, ErrorCode: code}
}

func rowID(pk, rk string) string { return pk + "\x00" + rk }

func keysOf(entity []byte) (string, string, error) {
	var k struct {
		PartitionKey string `json:"PartitionKey"`
		RowKey       string `json:"RowKey"`
	}
	if err := sonic.Unmarshal(entity, &k); err != nil {
		return "", "", err
	}
	return k.PartitionKey, k.RowKey, nil
}

func (f *fakeTable) etag(id string) azcore.ETag {
	return azcore.ETag(fmt.Sprintf("W/\"%d\"", f.etags[id]))
}

func (f *fakeTable) GetEntity(_ context.Context, pk, rk string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := rowID(pk, rk)
	v, ok := f.rows[id]
	if !ok {
		return aztables.GetEntityResponse{}, respErr(http.StatusNotFound, "ResourceNotFound")
	}
	return aztables.GetEntityResponse{ETag: f.etag(id), Value: append([]byte(nil), v...)}, nil
}

func (f *fakeTable) AddEntity(_ context.Context, entity []byte, _ *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.failAdd != nil {
		return aztables.AddEntityResponse{}, f.failAdd
	}
	pk, rk, err := keysOf(entity)
	if err != nil {
		return aztables.AddEntityResponse{}, err
	}
	id := rowID(pk, rk)
	if _, ok := f.rows[id]; ok {
		return aztables.AddEntityResponse{}, respErr(http.StatusConflict, "EntityAlreadyExists")
	}
	f.seq++
	f.rows[id] = append([]byte(nil), entity...)
	f.etags[id] = f.seq
	return aztables.AddEntityResponse{ETag: f.etag(id)}, nil
}

func (f *fakeTable) UpdateEntity(_ context.Context, entity []byte, opts *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpd != nil {
		return aztables.UpdateEntityResponse{}, f.failUpd
	}
	pk, rk, err := keysOf(entity)
	if err != nil {
		return aztables.UpdateEntityResponse{}, err
	}
	id := rowID(pk, rk)
	if _, ok := f.rows[id]; !ok {
		return aztables.UpdateEntityResponse{}, respErr(http.StatusNotFound, "ResourceNotFound")
	}
	if opts != nil && opts.IfMatch != nil && *opts.IfMatch != azcore.ETagAny && *opts.IfMatch != f.etag(id) {
		return aztables.UpdateEntityResponse{}, respErr(http.StatusPreconditionFailed, "UpdateConditionNotSatisfied")
	}
	f.seq++
	f.rows[id] = append([]byte(nil), entity...)
	f.etags[id] = f.seq
	return aztables.UpdateEntityResponse{ETag: f.etag(id)}, nil
}

func (f *fakeTable) DeleteEntity(_ context.Context, pk, rk string, opts *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := rowID(pk, rk)
	if _, ok := f.rows[id]; !ok {
		return aztables.DeleteEntityResponse{}, respErr(http.StatusNotFound, "ResourceNotFound")
	}
	if opts != nil && opts.IfMatch != nil && *opts.IfMatch != azcore.ETagAny && *opts.IfMatch != f.etag(id) {
		return aztables.DeleteEntityResponse{}, respErr(http.StatusPreconditionFailed, "UpdateConditionNotSatisfied")
	}
	delete(f.rows, id)
	delete(f.etags, id)
	return aztables.DeleteEntityResponse{}, nil
}

func (f *fakeTable) NewListEntitiesPager(opts *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	var filter string
	if opts != nil && opts.Filter != nil {
		filter = *opts.Filter
	}
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return false },
		Fetcher: func(context.Context, *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			terms, err := parseFilter(filter)
			if err != nil {
				return aztables.ListEntitiesResponse{}, err
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			ids := make([]string, 0, len(f.rows))
			for id := range f.rows {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			var resp aztables.ListEntitiesResponse
			for _, id := range ids {
				var props map[string]any
				if err := sonic.Unmarshal(f.rows[id], &props); err != nil {
					return aztables.ListEntitiesResponse{}, err
				}
				if matchesTerms(props, terms) {
					resp.Entities = append(resp.Entities, append([]byte(nil), f.rows[id]...))
				}
			}
			return resp, nil
		},
	})
}

func (f *fakeTable) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func parseFilter(filter string) (map[string]string, error) {
	terms := map[string]string{}
	if filter == "" {
		return terms, nil
	}
	for _, part := range strings.Split(filter, " and ") {
		name, value, ok := strings.Cut(part, " eq ")
		if !ok || len(value) < 2 || value[0] != '\'' || value[len(value)-1] != '\'' {
			return nil, fmt.Errorf("unsupported filter term %q", part)
		}
		terms[strings.TrimSpace(name)] = strings.ReplaceAll(value[1:len(value)-1], "''", "'")
	}
	return terms, nil
}

func matchesTerms(props map[string]any, terms map[string]string) bool {
	for name, want := range terms {
		if got, _ := props[name].(string); got != want {
			return false
		}
	}
	return true
}
