package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MegaGrindStone/studylock/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB persists conversations and document texts in a single bbolt file. It implements state.Persister
// and is the document source behind DocumentCache.
//
// Layout: the "conversations" bucket maps a conversation id to its metadata, each conversation's messages
// live in a "conversation-<id>" bucket keyed by an insertion sequence, and the "documents" bucket maps a
// document id to its text.
type BoltDB struct {
	db  *bolt.DB
	now func() time.Time
}

var (
	conversationsBucket = []byte("conversations")
	documentsBucket     = []byte("documents")
)

type conversationMeta struct {
	DocumentID string `json:"documentId,omitempty"`
}

// NewBoltDB opens (or creates, with 0600 permissions) the database file at path and initializes the
// top-level buckets.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, documentsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db, now: time.Now}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("conversation-%s", conversationID))
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func ensureConversation(tx *bolt.Tx, conversationID string) (*bolt.Bucket, error) {
	convs := tx.Bucket(conversationsBucket)
	if convs.Get([]byte(conversationID)) == nil {
		v, err := json.Marshal(conversationMeta{})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversation: %w", err)
		}
		if err := convs.Put([]byte(conversationID), v); err != nil {
			return nil, err
		}
	}
	return tx.CreateBucketIfNotExists(messageBucketName(conversationID))
}

// SaveMessage appends a message to the conversation, creating the conversation if needed.
func (b BoltDB) SaveMessage(_ context.Context, conversationID string, msg models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := ensureConversation(tx, conversationID)
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bucket.Put(sequenceKey(seq), v)
	})
}

// DeleteMessage removes a message by id. Deleting an unknown message is not an error.
func (b BoltDB) DeleteMessage(_ context.Context, conversationID, messageID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(conversationID))
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			if msg.ID == messageID {
				return c.Delete()
			}
		}
		return nil
	})
}

// SaveDocument records the document attached to the conversation.
func (b BoltDB) SaveDocument(_ context.Context, conversationID, documentID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := ensureConversation(tx, conversationID); err != nil {
			return err
		}

		v, err := json.Marshal(conversationMeta{DocumentID: documentID})
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return tx.Bucket(conversationsBucket).Put([]byte(conversationID), v)
	})
}

// LoadConversation returns the stored messages, in insertion order, and the attached document. The boolean
// is false when the conversation was never stored.
func (b BoltDB) LoadConversation(_ context.Context, conversationID string) (models.Conversation, bool, error) {
	conv := models.Conversation{ID: conversationID}
	found := false

	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(conversationsBucket).Get([]byte(conversationID))
		if raw == nil {
			return nil
		}
		found = true

		var meta conversationMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		conv.DocumentID = meta.DocumentID

		bucket := tx.Bucket(messageBucketName(conversationID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			conv.Messages = append(conv.Messages, msg)
			return nil
		})
	})
	if err != nil {
		return models.Conversation{}, false, err
	}
	return conv, found, nil
}

// PutDocument stores or replaces the extracted text of a document.
func (b BoltDB) PutDocument(_ context.Context, documentID, text string) error {
	v, err := json.Marshal(models.Document{ID: documentID, Text: text, UpdatedAt: b.now()})
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(documentID), v)
	})
}

// DocumentText returns the stored text of a document, or models.ErrDocumentNotFound.
func (b BoltDB) DocumentText(_ context.Context, documentID string) (string, error) {
	var doc models.Document
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(documentsBucket).Get([]byte(documentID))
		if v == nil {
			return fmt.Errorf("%w: %s", models.ErrDocumentNotFound, documentID)
		}
		return json.Unmarshal(v, &doc)
	})
	if err != nil {
		return "", err
	}
	return doc.Text, nil
}
