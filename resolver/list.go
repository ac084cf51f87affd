package resolver

import (
	"context"
	"fmt"
	"sort"

	"github.com/oeway/hypha-core/access"
	"github.com/oeway/hypha-core/address"
	"github.com/oeway/hypha-core/errors"
	"github.com/oeway/hypha-core/types"
)

// listQueryKeys are the only keys a list query may carry.
var listQueryKeys = map[string]struct{}{
	"visibility": {},
	"workspace":  {},
	"client_id":  {},
	"service_id": {},
	"app_id":     {},
}

// List returns the metadata of every service matching the query,
// deduplicated by storage key and ordered by it. Sorting by key makes the
// result order deterministic across store backends.
func (r *Resolver) List(ctx context.Context, query map[string]any, caller types.Context) ([]*types.ServiceInfo, error) {
	dims := map[string]string{
		"visibility": address.Wildcard,
		"workspace":  caller.Workspace,
		"client_id":  address.Wildcard,
		"service_id": address.Wildcard,
		"app_id":     address.Wildcard,
	}
	for key, value := range query {
		if _, ok := listQueryKeys[key]; !ok {
			return nil, errors.InvalidQuery(fmt.Sprintf("unknown query key %q", key))
		}
		s, ok := value.(string)
		if !ok || s == "" {
			return nil, errors.InvalidQuery(fmt.Sprintf("query key %q requires a non-empty string", key))
		}
		dims[key] = s
	}
	if dims["workspace"] == "" {
		return nil, errors.InvalidQuery("no workspace in query or caller context")
	}

	visibility, err := access.ApplyQueryVisibility(dims["workspace"], dims["visibility"], true)
	if err != nil {
		return nil, err
	}

	id := &address.Identifier{
		Visibility: visibility,
		Workspace:  dims["workspace"],
		ClientID:   dims["client_id"],
		ServiceID:  dims["service_id"],
		AppID:      dims["app_id"],
	}

	keys, err := r.store.Keys(ctx, id.StoreKey())
	if err != nil {
		return nil, errors.Wrap(err, "Resolver", "List", "pattern search")
	}
	sort.Strings(keys)

	seen := make(map[string]struct{}, len(keys))
	infos := make([]*types.ServiceInfo, 0, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		fields, err := r.store.HGetAll(ctx, key)
		if err != nil {
			return nil, errors.Wrap(err, "Resolver", "List", "record fetch")
		}
		if len(fields) == 0 {
			// Deleted between Keys and HGetAll; not an error.
			continue
		}
		info, err := types.ServiceInfoFromFields(fields)
		if err != nil {
			r.logger.Warn("skipping undecodable service record", "key", key, "error", err)
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}
