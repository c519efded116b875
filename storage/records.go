package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"subscription-proxy/domain"
)

// Read returns the current version, or the requested one. A deleted record
// or version is Gone; one that never existed is NotFound.
func (s *Store) Read(ctx context.Context, typ, id string, opts domain.ReadOptions) (*domain.Record, error) {
	var rec *domain.Record
	if opts.Version != "" {
		resp, err := s.history.GetEntity(ctx, typ, historyKey(id, opts.Version), nil)
		if err != nil {
			return nil, translate(err, "read "+typ+"/"+id+" version "+opts.Version)
		}
		var ent historyEntity
		if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
			return nil, domain.Wrap(domain.KindInternal, err, "decode history entity")
		}
		if ent.Deleted {
			return nil, domain.Errorf(domain.KindGone, "%s/%s version %s is deleted", typ, id, opts.Version)
		}
		rec = ent.record()
	} else {
		cur, _, err := s.current(ctx, typ, id)
		if isStatus(err, http.StatusNotFound) {
			rows, herr := s.versions(ctx, typ, id)
			if herr == nil && len(rows) > 0 {
				return nil, domain.Errorf(domain.KindGone, "%s/%s is deleted", typ, id)
			}
			return nil, domain.Errorf(domain.KindNotFound, "%s/%s not found", typ, id)
		}
		if err != nil {
			return nil, translate(err, "read "+typ+"/"+id)
		}
		rec = cur
	}
	if opts.Summary != "" {
		content, err := rec.Summarize(opts.Summary)
		if err != nil {
			return nil, domain.Wrap(domain.KindInternal, err, "summarize")
		}
		rec.Content = content
	}
	return rec, nil
}

// Create stores rec as a new resource. A missing id is assigned. An id with
// earlier deleted versions continues their version sequence.
func (s *Store) Create(ctx context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error) {
	if pre.IfMatch != "" {
		return nil, domain.Errorf(domain.KindPreconditionFailed, "%s/%s does not exist", rec.Type, rec.ID)
	}
	if pre.IfNoneExist != "" {
		if err := s.checkNoneExist(ctx, rec.Type, pre.IfNoneExist); err != nil {
			return nil, err
		}
	}
	out := rec.Clone()
	if out.ID == "" {
		out.ID = s.newID()
	}
	rows, err := s.versions(ctx, out.Type, out.ID)
	if err != nil {
		return nil, translate(err, "list versions")
	}
	return s.write(ctx, out, latestVersion(rows)+1, http.MethodPost, nil)
}

// Update replaces the current version. Updating a missing id creates it.
func (s *Store) Update(ctx context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error) {
	if rec.ID == "" {
		return nil, domain.Errorf(domain.KindValidation, "update requires an id")
	}
	cur, etag, err := s.current(ctx, rec.Type, rec.ID)
	if isStatus(err, http.StatusNotFound) {
		if pre.IfMatch != "" {
			return nil, domain.Errorf(domain.KindPreconditionFailed, "%s/%s does not exist", rec.Type, rec.ID)
		}
		rows, err := s.versions(ctx, rec.Type, rec.ID)
		if err != nil {
			return nil, translate(err, "list versions")
		}
		return s.write(ctx, rec.Clone(), latestVersion(rows)+1, http.MethodPut, nil)
	}
	if err != nil {
		return nil, translate(err, "read "+rec.Type+"/"+rec.ID)
	}
	if err := checkPreconditions(cur, pre); err != nil {
		return nil, err
	}
	n, _ := strconv.Atoi(cur.VersionID)
	return s.write(ctx, rec.Clone(), n+1, http.MethodPut, &etag)
}

// Delete removes the current version and records a tombstone. Deleting a
// missing record succeeds.
func (s *Store) Delete(ctx context.Context, typ, id, ifMatch string) error {
	cur, etag, err := s.current(ctx, typ, id)
	if isStatus(err, http.StatusNotFound) {
		if ifMatch != "" {
			return domain.Errorf(domain.KindPreconditionFailed, "%s/%s does not exist", typ, id)
		}
		return nil
	}
	if err != nil {
		return translate(err, "read "+typ+"/"+id)
	}
	if err := checkPreconditions(cur, domain.Preconditions{IfMatch: ifMatch}); err != nil {
		return err
	}

	n, _ := strconv.Atoi(cur.VersionID)
	version := strconv.Itoa(n + 1)
	tomb := historyEntity{
		Entity:      aztables.Entity{PartitionKey: typ, RowKey: historyKey(id, version)},
		ResourceID:  id,
		VersionID:   version,
		LastUpdated: s.now().Format(time.RFC3339Nano),
		Method:      http.MethodDelete,
		Deleted:     true,
	}
	if err := s.addHistory(ctx, tomb); err != nil {
		return err
	}
	if _, err := s.records.DeleteEntity(ctx, typ, id, &aztables.DeleteEntityOptions{IfMatch: &etag}); err != nil && !isStatus(err, http.StatusNotFound) {
		s.dropHistory(ctx, tomb)
		return translate(err, "delete "+typ+"/"+id)
	}
	return nil
}

// Search scans the type's partition and keeps records matching every simple
// equality parameter. _id and _count are honored.
func (s *Store) Search(ctx context.Context, typ string, params url.Values) (*domain.Bundle, error) {
	filter := "PartitionKey eq '" + escape(typ) + "'"
	if id := params.Get("_id"); id != "" {
		filter += " and RowKey eq '" + escape(id) + "'"
	}
	criteria := domain.ParseParams(params)
	pager := s.records.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	var matched []*domain.Record
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, translate(err, "search "+typ)
		}
		for _, raw := range resp.Entities {
			var ent recordEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, domain.Wrap(domain.KindInternal, err, "decode record entity")
			}
			rec := ent.record()
			if len(criteria) > 0 {
				doc, err := domain.ParseDocument(rec.Content)
				if err != nil || !domain.HoldsAll(criteria, doc) {
					continue
				}
			}
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	b := &domain.Bundle{Kind: domain.BundleSearchset, Total: len(matched)}
	limit := len(matched)
	if c, err := strconv.Atoi(params.Get("_count")); err == nil && c >= 0 && c < limit {
		limit = c
	}
	for _, rec := range matched[:limit] {
		b.Entries = append(b.Entries, domain.Entry{Record: rec})
	}
	return b, nil
}

// History lists versions of one resource, or of the whole type when id is
// empty, newest first.
func (s *Store) History(ctx context.Context, typ, id string, opts domain.HistoryOptions) (*domain.Bundle, error) {
	var rows []historyEntity
	var err error
	if id != "" {
		rows, err = s.versions(ctx, typ, id)
	} else {
		rows, err = s.listHistory(ctx, "PartitionKey eq '"+escape(typ)+"'")
	}
	if err != nil {
		return nil, translate(err, "history "+typ)
	}

	var entries []domain.Entry
	for _, row := range rows {
		rec := row.record()
		if opts.Since != nil && rec.LastUpdated.Before(*opts.Since) {
			continue
		}
		if opts.Till != nil && rec.LastUpdated.After(*opts.Till) {
			continue
		}
		entries = append(entries, domain.Entry{Record: rec, Method: row.Method, Deleted: row.Deleted})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Record, entries[j].Record
		if !a.LastUpdated.Equal(b.LastUpdated) {
			return a.LastUpdated.After(b.LastUpdated)
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		va, _ := strconv.Atoi(a.VersionID)
		vb, _ := strconv.Atoi(b.VersionID)
		return va > vb
	})

	b := &domain.Bundle{Kind: domain.BundleHistory, Total: len(entries)}
	if opts.Count > 0 && opts.Count < len(entries) {
		entries = entries[:opts.Count]
	}
	b.Entries = entries
	return b, nil
}

// Operation runs a named operation locally. Only $validate is implemented.
func (s *Store) Operation(ctx context.Context, typ, id, name string, params json.RawMessage) (*domain.Record, error) {
	if name != "validate" {
		return nil, domain.Errorf(domain.KindUnsupported, "operation $%s is not supported", name)
	}
	resource, err := operationResource(params)
	if err != nil {
		return nil, err
	}
	rec, err := domain.ParseRecord(typ, resource)
	if err != nil {
		return nil, err
	}
	if rec.Type != typ {
		return nil, domain.ValidationError([]domain.Issue{{Severity: "error", Code: "invalid", Diagnostics: "resourceType " + quote(rec.Type) + " does not match " + quote(typ)}})
	}
	mode := domain.ModeCreate
	if id != "" {
		mode = domain.ModeUpdate
		if rec.ID == "" {
			rec.ID = id
		}
	}
	if err := s.Validate(ctx, rec, mode); err != nil {
		return nil, err
	}
	return &domain.Record{
		Type:    "OperationOutcome",
		Content: domain.NewOutcome(domain.Issue{Severity: "information", Code: "informational", Diagnostics: "All OK"}),
	}, nil
}

// write stamps rec with version n, appends the history row and then puts the
// current version. A failed put removes the history row again.
func (s *Store) write(ctx context.Context, rec *domain.Record, n int, method string, ifMatch *azcore.ETag) (*domain.Record, error) {
	rec.VersionID = strconv.Itoa(n)
	rec.LastUpdated = s.now()
	if err := rec.Stamp(); err != nil {
		return nil, err
	}
	ts := rec.LastUpdated.Format(time.RFC3339Nano)
	hist := historyEntity{
		Entity:      aztables.Entity{PartitionKey: rec.Type, RowKey: historyKey(rec.ID, rec.VersionID)},
		ResourceID:  rec.ID,
		VersionID:   rec.VersionID,
		LastUpdated: ts,
		Method:      method,
		Content:     string(rec.Content),
	}
	if err := s.addHistory(ctx, hist); err != nil {
		return nil, err
	}

	payload, err := sonic.Marshal(recordEntity{
		Entity:      aztables.Entity{PartitionKey: rec.Type, RowKey: rec.ID},
		VersionID:   rec.VersionID,
		LastUpdated: ts,
		Content:     string(rec.Content),
	})
	if err == nil {
		if ifMatch != nil {
			_, err = s.records.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: ifMatch, UpdateMode: aztables.UpdateModeReplace})
		} else {
			_, err = s.records.AddEntity(ctx, payload, nil)
		}
	}
	if err != nil {
		s.dropHistory(ctx, hist)
		return nil, translate(err, "write "+rec.Type+"/"+rec.ID)
	}
	return rec, nil
}

func (s *Store) addHistory(ctx context.Context, ent historyEntity) error {
	payload, err := sonic.Marshal(ent)
	if err == nil {
		_, err = s.history.AddEntity(ctx, payload, nil)
	}
	if isStatus(err, http.StatusConflict) {
		return domain.Wrap(domain.KindConflict, err, "version "+ent.VersionID+" of "+ent.PartitionKey+"/"+ent.ResourceID+" already written")
	}
	return translate(err, "write history")
}

func (s *Store) dropHistory(ctx context.Context, ent historyEntity) {
	_, _ = s.history.DeleteEntity(ctx, ent.PartitionKey, ent.RowKey, nil)
}

func (s *Store) checkNoneExist(ctx context.Context, typ, query string) error {
	params, err := url.ParseQuery(query)
	if err != nil {
		return domain.Wrap(domain.KindValidation, err, "invalid If-None-Exist")
	}
	b, err := s.Search(ctx, typ, params)
	if err != nil {
		return err
	}
	if b.Total > 0 {
		return domain.Errorf(domain.KindPreconditionFailed, "%d %s record(s) match If-None-Exist", b.Total, typ)
	}
	return nil
}

func checkPreconditions(cur *domain.Record, pre domain.Preconditions) error {
	if pre.IfMatch != "" && domain.ParseETag(pre.IfMatch) != cur.VersionID {
		return domain.Errorf(domain.KindPreconditionFailed, "version %s does not match current version %s", domain.ParseETag(pre.IfMatch), cur.VersionID)
	}
	if pre.IfModifiedSince != nil && cur.LastUpdated.After(*pre.IfModifiedSince) {
		return domain.Errorf(domain.KindPreconditionFailed, "%s/%s was modified after %s", cur.Type, cur.ID, pre.IfModifiedSince.Format(time.RFC3339))
	}
	return nil
}

func operationResource(params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		ResourceType string `json:"resourceType"`
		Parameter    []struct {
			Name     string          `json:"name"`
			Resource json.RawMessage `json:"resource"`
		} `json:"parameter"`
	}
	if err := sonic.Unmarshal(params, &p); err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "operation parameters are not valid JSON")
	}
	if p.ResourceType != "Parameters" {
		return params, nil
	}
	for _, prm := range p.Parameter {
		if prm.Name == "resource" && len(prm.Resource) > 0 {
			return prm.Resource, nil
		}
	}
	return nil, domain.Errorf(domain.KindValidation, "Parameters has no resource parameter")
}
