// Command driver is a runnable walkthrough of the transaction lifecycle
// assembled from pkg/oracle, pkg/cache, pkg/committable, pkg/decider and
// pkg/client, the way the teacher's cmd/driver exercises its db/txn pair
// end to end against an in-memory backing store.
package main

import (
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"omid/pkg/cache"
	"omid/pkg/client"
	"omid/pkg/committable"
	"omid/pkg/decider"
	"omid/pkg/omiderr"
	"omid/pkg/oracle"
	"omid/pkg/tso"
	"omid/pkg/tsstorage"
)

func newPartition(name string, logger *logrus.Logger) *client.Partition {
	o, err := oracle.New(tsstorage.NewInMemory(), oracle.Config{Logger: logger})
	if err != nil {
		panic(err)
	}
	d := decider.New(decider.Config{
		Cache:       cache.New(cache.Config{}),
		Oracle:      o,
		CommitTable: committable.NewInMemory(),
		Logger:      logger,
	})
	return &client.Partition{Name: name, Oracle: o, Decider: d}
}

func main() {
	logger := logrus.StandardLogger()
	logger.SetLevel(logrus.WarnLevel)

	partition := newPartition("main", logger)
	runtime := client.TxnRuntime{Partitions: map[string]*client.Partition{"main": partition}}
	store := client.NewMemStore()
	commitTable := committable.NewInMemory()
	mgr := client.New(runtime, store, commitTable, client.Config{Logger: logger})

	row := func(value string) tso.RowKeyFamily {
		return tso.RowKeyFamily{
			TableID:    "devices",
			Row:        []byte("HDD"),
			Family:     "cf",
			Qualifiers: [][]byte{[]byte("label")},
			Values:     [][]byte{[]byte(value)},
		}
	}

	// Write, then overwrite, then read back the latest version.
	tx, err := mgr.Begin()
	if err != nil {
		panic(err)
	}
	if err := tx.Put(row("Hard disk")); err != nil {
		panic(err)
	}
	if err := mgr.Commit(tx); err != nil {
		panic(err)
	}

	tx, err = mgr.Begin()
	if err != nil {
		panic(err)
	}
	if err := tx.Put(row("Hard disk drive")); err != nil {
		panic(err)
	}
	if err := mgr.Commit(tx); err != nil {
		panic(err)
	}

	tx, err = mgr.Begin()
	if err != nil {
		panic(err)
	}
	value, found, err := tx.Get("devices", []byte("HDD"), "cf", []byte("label"))
	if err != nil {
		panic(err)
	}
	fmt.Println(found, string(value))
	mgr.Abort(tx)

	// Two concurrent writers to the same row: the slower commit loses.
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		tx, err := mgr.Begin()
		if err != nil {
			panic(err)
		}
		if _, _, err := tx.Get("devices", []byte("HDD"), "cf", []byte("label")); err != nil {
			panic(err)
		}
		if err := tx.Put(row("Solid state drive")); err != nil {
			panic(err)
		}
		time.Sleep(25 * time.Millisecond)
		err = mgr.Commit(tx)
		if err == nil {
			panic("expected a conflict error")
		}
		if !stderrors.Is(err, omiderr.ErrConflict) {
			panic(err)
		}
	}()

	go func() {
		defer wg.Done()
		tx, err := mgr.Begin()
		if err != nil {
			panic(err)
		}
		if err := tx.Put(row("Hard disk")); err != nil {
			panic(err)
		}
		time.Sleep(10 * time.Millisecond)
		if err := mgr.Commit(tx); err != nil {
			panic(err)
		}
	}()
	wg.Wait()

	tx, err = mgr.Begin()
	if err != nil {
		panic(err)
	}
	value, found, err = tx.Get("devices", []byte("HDD"), "cf", []byte("label"))
	if err != nil {
		panic(err)
	}
	fmt.Println(found, string(value))
	mgr.Abort(tx)
}
