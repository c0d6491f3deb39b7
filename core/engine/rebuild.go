package engine

import (
	"os"

	"go.uber.org/zap"

	"github.com/ProKn1fe/LiteDB/core/bson"
)

// collectionDump carries one collection's content during a rebuild.
type collectionDump struct {
	name    string
	indexes []indexDump
	docs    []*bson.Document
}

type indexDump struct {
	name   string
	expr   string
	unique bool
}

// ChangePassword rewrites the data file under a new password. An empty
// password removes encryption.
func (e *Engine) ChangePassword(password string) error {
	return e.Rebuild(password)
}

// Rebuild copies every collection into a fresh file and swaps it in place,
// compacting free pages and re-keying encryption. The whole swap runs under
// the exclusive database lock.
func (e *Engine) Rebuild(password string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if e.options.Filename == "" || e.options.Filename == ":memory:" {
		return ErrRebuildMemory
	}

	dumps, err := e.dumpCollections()
	if err != nil {
		return err
	}

	if err := e.lockService.EnterExclusive(); err != nil {
		return err
	}
	defer e.lockService.ExitExclusive()

	if err := e.disk.Queue().Wait(); err != nil {
		return err
	}

	tempFilename := e.options.Filename + "-rebuild"
	_ = os.Remove(tempFilename)

	if err := e.writeRebuildFile(tempFilename, password, dumps); err != nil {
		_ = os.Remove(tempFilename)
		return err
	}

	if err := e.disk.Close(); err != nil {
		_ = os.Remove(tempFilename)
		return err
	}
	if err := os.Rename(tempFilename, e.options.Filename); err != nil {
		return err
	}

	e.options.Password = password
	if err := e.openServices(); err != nil {
		return err
	}
	e.logger.Info("rebuild complete", zap.String("filename", e.options.Filename))
	return nil
}

// dumpCollections reads every collection, index definition and document
// under ordinary read transactions.
func (e *Engine) dumpCollections() ([]collectionDump, error) {
	names, err := e.CollectionNames()
	if err != nil {
		return nil, err
	}
	dumps := make([]collectionDump, 0, len(names))
	for _, name := range names {
		dump := collectionDump{name: name}

		indexNames, err := e.IndexNames(name)
		if err != nil {
			return nil, err
		}
		for _, indexName := range indexNames[1:] {
			index, err := e.indexDefinition(name, indexName)
			if err != nil {
				return nil, err
			}
			dump.indexes = append(dump.indexes, index)
		}

		if dump.docs, err = e.FindAll(name); err != nil {
			return nil, err
		}
		dumps = append(dumps, dump)
	}
	return dumps, nil
}

func (e *Engine) indexDefinition(collection, indexName string) (indexDump, error) {
	transaction, err := e.monitor.Begin()
	if err != nil {
		return indexDump{}, err
	}
	defer e.monitor.Release(transaction)
	defer func() { _ = transaction.Commit() }()

	snapshot, err := transaction.CreateSnapshot(0, collection, false)
	if err != nil {
		return indexDump{}, err
	}
	index, ok := snapshot.CollectionPage().GetCollectionIndex(indexName)
	if !ok {
		return indexDump{}, ErrIndexNotFound
	}
	return indexDump{name: index.Name, expr: index.Expr, unique: index.Unique}, nil
}

// writeRebuildFile builds the replacement data file through a scratch engine
// instance.
func (e *Engine) writeRebuildFile(filename, password string, dumps []collectionDump) error {
	scratch, err := Open(Options{
		Filename:  filename,
		Password:  password,
		Collation: e.collation.String(),
		LimitSize: e.header.Borrow().Pragmas().LimitSize,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		return err
	}

	for _, dump := range dumps {
		if err := scratch.CreateCollection(dump.name); err != nil {
			_ = scratch.Close()
			return err
		}
		for _, index := range dump.indexes {
			if err := scratch.CreateIndex(dump.name, index.name, index.expr, index.unique); err != nil {
				_ = scratch.Close()
				return err
			}
		}
		for _, doc := range dump.docs {
			if _, err := scratch.Insert(dump.name, doc); err != nil {
				_ = scratch.Close()
				return err
			}
		}
	}
	return scratch.Close()
}
