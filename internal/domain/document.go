package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Document types stored in the replicated database. The type field drives
// conflict-log attribution and impacted-user computation.
const (
	DocTypeGlobalItem = "globalitem"
	DocTypeDBUUID     = "dbuuid"
	DocTypeTrigger    = "trigger"
	DocTypeSettings   = "settings"
	DocTypeFriend     = "friend"
	DocTypeItem       = "item"
	DocTypeImage      = "image"
	DocTypeList       = "list"
	DocTypeRecipe     = "recipe"
	DocTypeListGroup  = "listgroup"
	DocTypeCategory   = "category"
	DocTypeUOM        = "uom"
	DocTypeConflict   = "conflictlog"
)

// SystemUser is the pseudo-user recorded in conflict log entries for
// documents that are not owned by any account.
const SystemUser = "system"

// Document is a replicated record. Rev is an opaque revision token of the
// form "<generation>-<hash>"; generation counts edits from the document's
// creation and the hash covers the body of that edit.
type Document struct {
	ID        string          `json:"_id"`
	Rev       string          `json:"_rev"`
	Type      string          `json:"type"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Deleted   bool            `json:"_deleted,omitempty"`
	Body      json.RawMessage `json:"-"`
}

// MarshalJSON flattens the envelope fields into the body object so the wire
// form is a single JSON document.
func (d Document) MarshalJSON() ([]byte, error) {
	merged := make(map[string]json.RawMessage)
	if len(d.Body) > 0 {
		if err := json.Unmarshal(d.Body, &merged); err != nil {
			return nil, fmt.Errorf("document %s: body is not a JSON object: %w", d.ID, err)
		}
	}
	set := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		merged[key] = raw
		return nil
	}
	if err := set("_id", d.ID); err != nil {
		return nil, err
	}
	if err := set("_rev", d.Rev); err != nil {
		return nil, err
	}
	if err := set("type", d.Type); err != nil {
		return nil, err
	}
	if err := set("updatedAt", d.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	if d.Deleted {
		if err := set("_deleted", true); err != nil {
			return nil, err
		}
	} else {
		delete(merged, "_deleted")
	}
	return json.Marshal(merged)
}

// UnmarshalJSON extracts the envelope fields and retains the remaining
// fields as the opaque body.
func (d *Document) UnmarshalJSON(data []byte) error {
	var envelope struct {
		ID        string `json:"_id"`
		Rev       string `json:"_rev"`
		Type      string `json:"type"`
		UpdatedAt string `json:"updatedAt"`
		Deleted   bool   `json:"_deleted"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	delete(fields, "_id")
	delete(fields, "_rev")
	delete(fields, "type")
	delete(fields, "updatedAt")
	delete(fields, "_deleted")
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	d.ID = envelope.ID
	d.Rev = envelope.Rev
	d.Type = envelope.Type
	d.Deleted = envelope.Deleted
	d.Body = body
	d.UpdatedAt = time.Time{}
	if envelope.UpdatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, envelope.UpdatedAt)
		if err != nil {
			return fmt.Errorf("document %s: bad updatedAt %q: %w", envelope.ID, envelope.UpdatedAt, err)
		}
		d.UpdatedAt = ts
	}
	return nil
}

// Change is one entry in the changes feed. Seq is assigned by the server
// store when a revision is accepted and is never part of the replicated
// document body.
type Change struct {
	Seq     int64    `json:"seq"`
	ID      string   `json:"id"`
	Rev     string   `json:"rev"`
	Deleted bool     `json:"deleted,omitempty"`
	Doc     *Document `json:"doc,omitempty"`
}

// RevGeneration returns the numeric generation prefix of a revision token,
// or 0 if the token is malformed.
func RevGeneration(rev string) int {
	gen, _, err := SplitRev(rev)
	if err != nil {
		return 0
	}
	return gen
}

// SplitRev splits a revision token into its generation and hash parts.
func SplitRev(rev string) (int, string, error) {
	idx := strings.IndexByte(rev, '-')
	if idx <= 0 || idx == len(rev)-1 {
		return 0, "", fmt.Errorf("malformed revision token %q", rev)
	}
	gen, err := strconv.Atoi(rev[:idx])
	if err != nil || gen < 1 {
		return 0, "", fmt.Errorf("malformed revision generation in %q", rev)
	}
	return gen, rev[idx+1:], nil
}

// NextRev derives the revision token for a new edit on top of prevRev.
// Pass an empty prevRev for the first revision of a document. The hash is
// deterministic over the previous token and the new body, so independent
// replicas producing the same edit converge on the same token.
func NextRev(prevRev string, body []byte) string {
	gen := RevGeneration(prevRev) + 1
	sum := sha256.Sum256(append([]byte(prevRev+"\x00"), body...))
	return fmt.Sprintf("%d-%s", gen, hex.EncodeToString(sum[:16]))
}

// CompareRevs orders two revision tokens deterministically: higher
// generation wins, and within a generation the lexicographically greater
// hash wins. Returns -1, 0, or 1. Malformed tokens sort lowest.
func CompareRevs(a, b string) int {
	genA, hashA, errA := SplitRev(a)
	genB, hashB, errB := SplitRev(b)
	if errA != nil || errB != nil {
		switch {
		case errA != nil && errB != nil:
			return strings.Compare(a, b)
		case errA != nil:
			return -1
		default:
			return 1
		}
	}
	if genA != genB {
		if genA < genB {
			return -1
		}
		return 1
	}
	return strings.Compare(hashA, hashB)
}

// DocumentOwnership holds the body fields used to compute which users a
// document belongs to. Fields not present in a given document type stay at
// their zero value.
type DocumentOwnership struct {
	Username       string   `json:"username"`
	ListGroupID    string   `json:"listGroupID"`
	ListGroupOwner string   `json:"listGroupOwner"`
	SharedWith     []string `json:"sharedWith"`
	FriendID1      string   `json:"friendID1"`
	FriendID2      string   `json:"friendID2"`
}

// Ownership decodes the ownership-relevant fields from the document body.
func (d *Document) Ownership() DocumentOwnership {
	var own DocumentOwnership
	if len(d.Body) > 0 {
		_ = json.Unmarshal(d.Body, &own)
	}
	return own
}
