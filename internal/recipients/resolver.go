// Package recipients expands selectors into a deduplicated recipient list
// using the stored directory.
package recipients

import (
	"context"
	"fmt"

	"fanout/internal/notification"
	"fanout/internal/storage"
	logx "fanout/pkg/logx"
)

type Resolver struct {
	dir storage.Directory
	log logx.Logger
}

func New(dir storage.Directory, log logx.Logger) *Resolver {
	return &Resolver{dir: dir, log: log.With(logx.Component("recipients"))}
}

var roleSelectors = map[notification.SelectorKind]notification.Role{
	notification.SelectAllAdmins:  notification.RoleAdmin,
	notification.SelectAllStaff:   notification.RoleStaff,
	notification.SelectAllParents: notification.RoleParent,
}

// ResolveRecipients unions every selector. A recipient matched by several
// selectors appears once, at its first position. Unknown user ids are skipped.
func (r *Resolver) ResolveRecipients(ctx context.Context, selectors []notification.RecipientSelector) ([]notification.Recipient, error) {
	var (
		all     []notification.Recipient
		userIDs []string
	)
	for _, sel := range selectors {
		if err := sel.Validate(); err != nil {
			return nil, err
		}
		var (
			found []notification.Recipient
			err   error
		)
		switch sel.Kind {
		case notification.SelectAllUsers:
			found, err = r.dir.ListByRoles(ctx)
		case notification.SelectGroup:
			found, err = r.dir.ListGroupMembers(ctx, sel.ID)
		case notification.SelectUser:
			userIDs = append(userIDs, sel.ID)
			continue
		default:
			found, err = r.dir.ListByRoles(ctx, roleSelectors[sel.Kind])
		}
		if err != nil {
			return nil, fmt.Errorf("selector %s: %w", sel, err)
		}
		all = append(all, found...)
	}

	if len(userIDs) > 0 {
		found, err := r.dir.GetRecipients(ctx, userIDs)
		if err != nil {
			return nil, fmt.Errorf("selector user: %w", err)
		}
		if len(found) < len(userIDs) {
			r.log.Debug("unknown user ids skipped", logx.Int("requested", len(userIDs)), logx.Int("found", len(found)))
		}
		all = append(all, found...)
	}

	out := notification.UniqueRecipients(all)
	r.log.Debug("selectors resolved", logx.Int("selectors", len(selectors)), logx.Int("matched", len(all)), logx.Int("recipients", len(out)))
	return out, nil
}
