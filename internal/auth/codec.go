package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"qazna.org/adminauth/internal/persist"
)

// getJSON loads collection/key into v. A missing record yields notFound.
func getJSON(ctx context.Context, port persist.Port, collection, key string, v any, notFound error) error {
	data, err := port.Get(ctx, collection, key)
	if errors.Is(err, persist.ErrNotFound) {
		return notFound
	}
	if err != nil {
		return storageErr("get "+collection, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return storageErr("decode "+collection, err)
	}
	return nil
}

func putJSON(ctx context.Context, port persist.Port, collection, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", collection, err)
	}
	if err := port.Put(ctx, collection, key, data); err != nil {
		return storageErr("put "+collection, err)
	}
	return nil
}

func deleteKey(ctx context.Context, port persist.Port, collection, key string) error {
	if err := port.Delete(ctx, collection, key); err != nil {
		return storageErr("delete "+collection, err)
	}
	return nil
}

func scanJSON[T any](ctx context.Context, port persist.Port, collection string, match persist.Predicate) ([]T, error) {
	recs, err := port.Scan(ctx, collection, match)
	if err != nil {
		return nil, storageErr("scan "+collection, err)
	}
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		var v T
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, storageErr("decode "+collection+"/"+r.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
