package domain

import (
	"time"
)

// ConflictLogEntry records one resolved document conflict. Entries are
// stored as documents of type "conflictlog" so they replicate to clients
// like any other record. Winner and Losers hold full snapshots taken
// before resolution; losing revisions are deleted from the store, so
// these snapshots are the only surviving record of the superseded values.
type ConflictLogEntry struct {
	DocID            string     `json:"docID"`
	DocType          string     `json:"docType"`
	ImpactedUsers    []string   `json:"impactedUsers"`
	Winner           Document   `json:"winner"`
	Losers           []Document `json:"losers"`
	WinningRev       string     `json:"winningRev"`
	WinningUpdatedAt time.Time  `json:"winningUpdatedAt"`
	LosingRevs       []string   `json:"losingRevs"`
	ResolvedAt       time.Time  `json:"resolvedAt"`
}

// ImpactedUsers computes which usernames a conflict on the given document
// affects. System-owned documents map to the reserved SystemUser entry.
// When a document's ownership routes through a list group, callers supply
// the group's owner and share list via the listgroup lookup; lookup may be
// nil for types that never need it.
func ImpactedUsers(doc *Document, lookup func(listGroupID string) (owner string, sharedWith []string, ok bool)) []string {
	own := doc.Ownership()

	viaListGroup := func(groupID string) []string {
		if lookup == nil || groupID == "" {
			return []string{SystemUser}
		}
		owner, shared, ok := lookup(groupID)
		if !ok {
			return []string{SystemUser}
		}
		return dedupe(append([]string{owner}, shared...))
	}

	switch doc.Type {
	case DocTypeGlobalItem, DocTypeDBUUID, DocTypeTrigger:
		return []string{SystemUser}
	case DocTypeSettings:
		if own.Username == "" {
			return []string{SystemUser}
		}
		return []string{own.Username}
	case DocTypeFriend:
		users := make([]string, 0, 2)
		if own.FriendID1 != "" {
			users = append(users, own.FriendID1)
		}
		if own.FriendID2 != "" {
			users = append(users, own.FriendID2)
		}
		if len(users) == 0 {
			return []string{SystemUser}
		}
		return dedupe(users)
	case DocTypeItem, DocTypeImage, DocTypeList, DocTypeRecipe:
		return viaListGroup(own.ListGroupID)
	case DocTypeListGroup:
		if own.ListGroupOwner == "" {
			return []string{SystemUser}
		}
		return dedupe(append([]string{own.ListGroupOwner}, own.SharedWith...))
	case DocTypeCategory, DocTypeUOM:
		// Custom categories and units belong to a list group; stock ones
		// carry no group and are system scoped.
		if own.ListGroupID == "" {
			return []string{SystemUser}
		}
		return viaListGroup(own.ListGroupID)
	default:
		return []string{SystemUser}
	}
}

func dedupe(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	out := users[:0]
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	if len(out) == 0 {
		return []string{SystemUser}
	}
	return out
}
