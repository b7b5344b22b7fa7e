package execcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/flowmesh/core/pkg/models"
)

// AddToDLQ persists entry and indexes it by workflow and node type so the
// dedicated lookup paths (GetDLQEntries filtered by either) stay O(index
// size) rather than a full scan of dlq:all.
func (c *Cache) AddToDLQ(ctx context.Context, entry *models.DLQEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if c.redis == nil {
		c.fallback.dlqPut(entry.ID, entry.WorkflowID, entry.NodeType, data)
		return nil
	}

	client := c.redis.Client()
	pipe := client.TxPipeline()
	pipe.Set(ctx, dlqEntryKey(entry.ID), data, models.DLQEntryTTL)
	pipe.SAdd(ctx, dlqAllKey, entry.ID)
	pipe.SAdd(ctx, dlqWorkflowKey(entry.WorkflowID), entry.ID)
	pipe.SAdd(ctx, dlqNodeTypeKey(entry.NodeType), entry.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logFail(ctx, "add_to_dlq", err)
	}
	return nil
}

// GetDLQEntry fetches a single entry by id.
func (c *Cache) GetDLQEntry(ctx context.Context, id string) (*models.DLQEntry, error) {
	var data []byte
	if c.redis == nil {
		data = c.fallback.dlqGet(id)
	} else {
		raw, err := c.redis.Client().Get(ctx, dlqEntryKey(id)).Bytes()
		if err != nil {
			if err == redis.Nil {
				return nil, models.ErrDLQEntryNotFound
			}
			c.logFail(ctx, "get_dlq_entry", err)
			return nil, err
		}
		data = raw
	}
	if data == nil {
		return nil, models.ErrDLQEntryNotFound
	}

	var entry models.DLQEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	if entry.Expired(time.Now()) {
		return nil, models.ErrDLQEntryExpired
	}
	return &entry, nil
}

// GetDLQEntries lists entries, optionally narrowed by workflowID and/or
// nodeType, capped at limit (0 means unbounded).
func (c *Cache) GetDLQEntries(ctx context.Context, workflowID, nodeType string, limit int) ([]*models.DLQEntry, error) {
	var ids []string

	if c.redis == nil {
		ids = c.fallback.dlqIDs(workflowID, nodeType)
	} else {
		client := c.redis.Client()
		var key string
		switch {
		case workflowID != "" && nodeType != "":
			tmp := dlqWorkflowKey(workflowID) + ":" + nodeType + ":tmp"
			if err := client.SInterStore(ctx, tmp, dlqWorkflowKey(workflowID), dlqNodeTypeKey(nodeType)).Err(); err != nil {
				c.logFail(ctx, "get_dlq_entries.interstore", err)
				return nil, nil
			}
			defer client.Del(ctx, tmp)
			key = tmp
		case workflowID != "":
			key = dlqWorkflowKey(workflowID)
		case nodeType != "":
			key = dlqNodeTypeKey(nodeType)
		default:
			key = dlqAllKey
		}

		result, err := client.SMembers(ctx, key).Result()
		if err != nil {
			c.logFail(ctx, "get_dlq_entries", err)
			return nil, nil
		}
		ids = result
	}

	entries := make([]*models.DLQEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := c.GetDLQEntry(ctx, id)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// RemoveFromDLQ deletes an entry and its index memberships.
func (c *Cache) RemoveFromDLQ(ctx context.Context, id string) error {
	entry, err := c.GetDLQEntry(ctx, id)
	if err != nil {
		return err
	}

	if c.redis == nil {
		c.fallback.dlqRemove(entry.ID, entry.WorkflowID, entry.NodeType)
		return nil
	}

	client := c.redis.Client()
	pipe := client.TxPipeline()
	pipe.Del(ctx, dlqEntryKey(id))
	pipe.SRem(ctx, dlqAllKey, id)
	pipe.SRem(ctx, dlqWorkflowKey(entry.WorkflowID), id)
	pipe.SRem(ctx, dlqNodeTypeKey(entry.NodeType), id)
	_, err = pipe.Exec(ctx)
	return err
}

// UpdateDLQEntry overwrites the stored entry (e.g. to stamp ReplayedAt)
// without touching its index memberships.
func (c *Cache) UpdateDLQEntry(ctx context.Context, entry *models.DLQEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if c.redis == nil {
		c.fallback.dlqPut(entry.ID, entry.WorkflowID, entry.NodeType, data)
		return nil
	}
	return c.redis.Client().Set(ctx, dlqEntryKey(entry.ID), data, models.DLQEntryTTL).Err()
}

// PurgeDLQ removes every entry matching workflowID (all entries if empty).
func (c *Cache) PurgeDLQ(ctx context.Context, workflowID string) (int, error) {
	entries, err := c.GetDLQEntries(ctx, workflowID, "", 0)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		_ = c.RemoveFromDLQ(ctx, e.ID)
	}
	return len(entries), nil
}

// DLQStats summarizes current DLQ occupancy.
type DLQStats struct {
	Total      int            `json:"total"`
	ByWorkflow map[string]int `json:"by_workflow"`
	ByNodeType map[string]int `json:"by_node_type"`
}

// GetDLQStats aggregates entry counts by workflow and node type.
func (c *Cache) GetDLQStats(ctx context.Context) (*DLQStats, error) {
	entries, err := c.GetDLQEntries(ctx, "", "", 0)
	if err != nil {
		return nil, err
	}

	stats := &DLQStats{ByWorkflow: make(map[string]int), ByNodeType: make(map[string]int)}
	for _, e := range entries {
		stats.Total++
		stats.ByWorkflow[e.WorkflowID]++
		stats.ByNodeType[e.NodeType]++
	}
	return stats, nil
}

func (m *memoryStore) dlqPut(id, workflowID, nodeType string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dlq == nil {
		m.dlq = make(map[string][]byte)
		m.dlqByWorkflow = make(map[string]map[string]struct{})
		m.dlqByNodeType = make(map[string]map[string]struct{})
	}
	m.dlq[id] = data
	if m.dlqByWorkflow[workflowID] == nil {
		m.dlqByWorkflow[workflowID] = make(map[string]struct{})
	}
	m.dlqByWorkflow[workflowID][id] = struct{}{}
	if m.dlqByNodeType[nodeType] == nil {
		m.dlqByNodeType[nodeType] = make(map[string]struct{})
	}
	m.dlqByNodeType[nodeType][id] = struct{}{}
}

func (m *memoryStore) dlqGet(id string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dlq[id]
}

func (m *memoryStore) dlqIDs(workflowID, nodeType string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var set map[string]struct{}
	switch {
	case workflowID != "" && nodeType != "":
		set = make(map[string]struct{})
		for id := range m.dlqByWorkflow[workflowID] {
			if _, ok := m.dlqByNodeType[nodeType][id]; ok {
				set[id] = struct{}{}
			}
		}
	case workflowID != "":
		set = m.dlqByWorkflow[workflowID]
	case nodeType != "":
		set = m.dlqByNodeType[nodeType]
	default:
		set = make(map[string]struct{})
		for id := range m.dlq {
			set[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (m *memoryStore) dlqRemove(id, workflowID, nodeType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dlq, id)
	delete(m.dlqByWorkflow[workflowID], id)
	delete(m.dlqByNodeType[nodeType], id)
}
