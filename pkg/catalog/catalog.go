// Package catalog persists the source, UDF, and query catalogs the update
// phase and placement strategies consult as external collaborators. It uses
// a bbolt bucket-per-entity layout: one bucket per catalog, JSON-encoded
// values keyed by name or id.
package catalog

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/streamplane/coordinator/pkg/model"
)

var (
	bucketSources = []byte("sources")
	bucketUDFs    = []byte("udfs")
	bucketQueries = []byte("queries")
)

// LogicalSource maps a logical source name to its physical binding, the
// narrow interface the external SourceCatalog collaborator exposes.
type LogicalSource struct {
	Name          string       `json:"name"`
	PhysicalNodes []model.WorkerNodeID `json:"physical_nodes"`
	Schema        model.Schema `json:"schema"`
}

// UDFDescriptor describes a registered user-defined function.
type UDFDescriptor struct {
	Name       string `json:"name"`
	InputType  string `json:"input_type"`
	OutputType string `json:"output_type"`
}

// QueryRecord is the catalog's durable record of one accepted query, used to
// answer status lookups independent of in-memory GlobalQueryPlan state.
type QueryRecord struct {
	QueryID      model.QueryID           `json:"query_id"`
	SharedPlanID model.SharedPlanID      `json:"shared_plan_id"`
	Status       model.SharedPlanStatus  `json:"status"`
}

// Store is the bbolt-backed catalog store. The storage handler acquires it
// under the coordinator's fixed lock order (topology, execution plan,
// source catalog, UDF catalog, query catalog).
type Store struct {
	db *bolt.DB
}

// Open creates or opens the catalog database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "coordinator-catalog.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSources, bucketUDFs, bucketQueries} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("catalog: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutSource registers or updates a logical source binding.
func (s *Store) PutSource(src LogicalSource) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(src)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSources).Put([]byte(src.Name), data)
	})
}

// GetSource looks up a logical source by name.
func (s *Store) GetSource(name string) (LogicalSource, error) {
	var src LogicalSource
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSources).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("catalog: source %q not found", name)
		}
		return json.Unmarshal(data, &src)
	})
	return src, err
}

// ListSources returns every registered logical source.
func (s *Store) ListSources() ([]LogicalSource, error) {
	var out []LogicalSource
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSources).ForEach(func(k, v []byte) error {
			var src LogicalSource
			if err := json.Unmarshal(v, &src); err != nil {
				return err
			}
			out = append(out, src)
			return nil
		})
	})
	return out, err
}

// PutUDF registers or updates a UDF descriptor.
func (s *Store) PutUDF(udf UDFDescriptor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(udf)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUDFs).Put([]byte(udf.Name), data)
	})
}

// GetUDF looks up a UDF by name.
func (s *Store) GetUDF(name string) (UDFDescriptor, error) {
	var udf UDFDescriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUDFs).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("catalog: udf %q not found", name)
		}
		return json.Unmarshal(data, &udf)
	})
	return udf, err
}

// PutQuery records or updates a query's catalog entry.
func (s *Store) PutQuery(rec QueryRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketQueries).Put(queryKey(rec.QueryID), data)
	})
}

// GetQuery looks up a query's catalog entry.
func (s *Store) GetQuery(id model.QueryID) (QueryRecord, error) {
	var rec QueryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketQueries).Get(queryKey(id))
		if data == nil {
			return fmt.Errorf("catalog: query %s not found", id)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// DeleteQuery removes a query's catalog entry.
func (s *Store) DeleteQuery(id model.QueryID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueries).Delete(queryKey(id))
	})
}

func queryKey(id model.QueryID) []byte {
	return []byte(fmt.Sprintf("%d", uint64(id)))
}
