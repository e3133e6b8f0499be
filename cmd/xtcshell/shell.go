package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/sushant-115/xtcdb/core/engine"
	"github.com/sushant-115/xtcdb/core/indexing/field"
	"github.com/sushant-115/xtcdb/core/indexmanager"
	"github.com/sushant-115/xtcdb/core/transaction"
)

// errQuit ends the interactive loop.
var errQuit = errors.New("quit")

// shell executes commands against one engine. Outside begin/commit every
// command runs in its own transaction.
type shell struct {
	e   *engine.Engine
	out io.Writer
	tx  *transaction.Tx
}

type command struct {
	usage string
	args  int // minimum number of arguments
	run   func(s *shell, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":       {"help", 0, (*shell).help},
		"containers": {"containers", 0, (*shell).containers},
		"container":  {"container <name>", 1, (*shell).createContainer},
		"stats":      {"stats <container>", 1, (*shell).stats},
		"indexes":    {"indexes", 0, (*shell).indexes},
		"create":     {"create <index> <key type> <value type> [unique] [compressed] [in <container>]", 3, (*shell).createIndex},
		"drop":       {"drop <index>", 1, (*shell).dropIndex},
		"insert":     {"insert <index> <key> <value>", 3, (*shell).insert},
		"update":     {"update <index> <key> <value>", 3, (*shell).update},
		"get":        {"get <index> <key>", 2, (*shell).get},
		"delete":     {"delete <index> <key> [value]", 2, (*shell).delete},
		"scan":       {"scan <index> [from <key>] [limit <n>] [desc]", 1, (*shell).scan},
		"load":       {"load <index> <file>", 2, (*shell).load},
		"verify":     {"verify <index>", 1, (*shell).verify},
		"begin":      {"begin", 0, (*shell).begin},
		"commit":     {"commit", 0, (*shell).commit},
		"rollback":   {"rollback", 0, (*shell).rollback},
		"checkpoint": {"checkpoint", 0, (*shell).checkpoint},
		"backup":     {"backup <dir>", 1, (*shell).backup},
		"exit":       {"exit", 0, (*shell).quit},
		"quit":       {"quit", 0, (*shell).quit},
	}
}

// exec runs one command line.
func (s *shell) exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	name := strings.ToLower(args[0])
	c, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", name)
	}
	if len(args)-1 < c.args {
		return fmt.Errorf("usage: %s", c.usage)
	}
	return c.run(s, ctx, args[1:])
}

// close rolls back an open transaction.
func (s *shell) close() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

func (s *shell) printf(format string, a ...any) {
	fmt.Fprintf(s.out, format, a...)
}

// withTx runs fn in the open transaction, or in a new one that is
// committed when fn succeeds.
func (s *shell) withTx(fn func(tx *transaction.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	tx, err := s.e.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return tx.Commit()
}

func (s *shell) help(context.Context, []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)
	s.printf("Commands:\n")
	for _, name := range names {
		s.printf("  %s\n", commands[name].usage)
	}
	s.printf("Field types: bytes, string, int64, uint64, float64, dewey\n")
	return nil
}

func (s *shell) quit(context.Context, []string) error { return errQuit }

// --- Containers ---

func (s *shell) containers(context.Context, []string) error {
	for _, c := range s.e.Containers() {
		s.printf("%d\t%s\n", c.ID, c.Name)
	}
	return nil
}

func (s *shell) createContainer(_ context.Context, args []string) error {
	id, err := s.e.CreateContainer(args[0])
	if err != nil {
		return err
	}
	s.printf("container %s created with id %d\n", args[0], id)
	return nil
}

func (s *shell) container(name string) (uint16, error) {
	for _, c := range s.e.Containers() {
		if c.Name == name || strconv.Itoa(int(c.ID)) == name {
			return c.ID, nil
		}
	}
	return 0, fmt.Errorf("container %q not found", name)
}

func (s *shell) stats(_ context.Context, args []string) error {
	id, err := s.container(args[0])
	if err != nil {
		return err
	}
	st, err := s.e.ContainerStats(id)
	if err != nil {
		return err
	}
	s.printf("blocks=%d used=%d free=%d units=%d\n", st.Blocks, st.Used, st.Free, st.Units)
	return nil
}

// --- Indexes ---

func (s *shell) indexes(context.Context, []string) error {
	return s.withTx(func(tx *transaction.Tx) error {
		list, err := s.e.ListIndexes(tx)
		if err != nil {
			return err
		}
		for _, ix := range list {
			d := ix.Descriptor
			s.printf("%s\troot=%s\tkey=%s\tvalue=%s\tunique=%t\tcompressed=%t\n",
				ix.Name, ix.Root, d.KeyType, d.ValueType, d.Unique, d.Compressed)
		}
		return nil
	})
}

func (s *shell) createIndex(_ context.Context, args []string) error {
	var desc indexmanager.Descriptor
	var err error
	if desc.KeyType, err = field.ParseType(args[1]); err != nil {
		return err
	}
	if desc.ValueType, err = field.ParseType(args[2]); err != nil {
		return err
	}
	container := engine.SystemContainer
	for i := 3; i < len(args); i++ {
		switch strings.ToLower(args[i]) {
		case "unique":
			desc.Unique = true
		case "compressed":
			desc.Compressed = true
		case "in":
			if i+1 == len(args) {
				return fmt.Errorf("usage: %s", commands["create"].usage)
			}
			i++
			if container, err = s.container(args[i]); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown index option %q", args[i])
		}
	}
	return s.withTx(func(tx *transaction.Tx) error {
		root, err := s.e.CreateIndex(tx, args[0], container, desc)
		if err != nil {
			return err
		}
		s.printf("index %s created at %s\n", args[0], root)
		return nil
	})
}

func (s *shell) dropIndex(_ context.Context, args []string) error {
	return s.withTx(func(tx *transaction.Tx) error {
		return s.e.DropIndex(tx, args[0])
	})
}

func (s *shell) verify(_ context.Context, args []string) error {
	return s.withTx(func(tx *transaction.Tx) error {
		ix, err := s.lookup(tx, args[0])
		if err != nil {
			return err
		}
		st, err := s.e.Indexes().Verify(tx, ix.Root)
		if err != nil {
			return err
		}
		s.printf("height=%d branches=%d leaves=%d entries=%d placeholders=%d\n",
			st.Height, st.Branches, st.Leaves, st.Entries, st.Placeholders)
		return nil
	})
}

func (s *shell) lookup(tx *transaction.Tx, name string) (engine.IndexInfo, error) {
	root, err := s.e.LookupIndex(tx, name)
	if err != nil {
		return engine.IndexInfo{}, err
	}
	desc, err := s.e.Indexes().Describe(tx, root)
	if err != nil {
		return engine.IndexInfo{}, err
	}
	return engine.IndexInfo{Name: name, Root: root, Descriptor: desc}, nil
}

// --- Entries ---

// entryArgs parses the key and, when present, the value of an entry
// command. The value is the rest of the line.
func entryArgs(ix engine.IndexInfo, args []string) (key, value []byte, err error) {
	if key, err = field.Parse(ix.Descriptor.KeyType, args[0]); err != nil {
		return nil, nil, fmt.Errorf("key: %w", err)
	}
	if len(args) > 1 {
		if value, err = field.Parse(ix.Descriptor.ValueType, strings.Join(args[1:], " ")); err != nil {
			return nil, nil, fmt.Errorf("value: %w", err)
		}
	}
	return key, value, nil
}

func (s *shell) insert(_ context.Context, args []string) error {
	return s.withTx(func(tx *transaction.Tx) error {
		ix, err := s.lookup(tx, args[0])
		if err != nil {
			return err
		}
		key, value, err := entryArgs(ix, args[1:])
		if err != nil {
			return err
		}
		it, err := s.e.Indexes().Open(tx, ix.Root, indexmanager.SearchGreaterOrEqual, key, nil, indexmanager.OpenUpdate, indexmanager.Hint{})
		if err != nil {
			return err
		}
		defer it.Close()
		return it.Insert(key, value)
	})
}

func (s *shell) update(_ context.Context, args []string) error {
	return s.withTx(func(tx *transaction.Tx) error {
		ix, err := s.lookup(tx, args[0])
		if err != nil {
			return err
		}
		key, value, err := entryArgs(ix, args[1:])
		if err != nil {
			return err
		}
		it, err := s.e.Indexes().Open(tx, ix.Root, indexmanager.SearchEqual, key, nil, indexmanager.OpenUpdate, indexmanager.Hint{})
		if err != nil {
			return err
		}
		defer it.Close()
		if !it.Valid() {
			return fmt.Errorf("key %s not found", args[1])
		}
		return it.Update(value)
	})
}

func (s *shell) delete(_ context.Context, args []string) error {
	return s.withTx(func(tx *transaction.Tx) error {
		ix, err := s.lookup(tx, args[0])
		if err != nil {
			return err
		}
		key, value, err := entryArgs(ix, args[1:])
		if err != nil {
			return err
		}
		it, err := s.e.Indexes().Open(tx, ix.Root, indexmanager.SearchEqual, key, value, indexmanager.OpenUpdate, indexmanager.Hint{})
		if err != nil {
			return err
		}
		defer it.Close()
		if !it.Valid() {
			return fmt.Errorf("key %s not found", args[1])
		}
		return it.Delete()
	})
}

func (s *shell) get(_ context.Context, args []string) error {
	return s.withTx(func(tx *transaction.Tx) error {
		ix, err := s.lookup(tx, args[0])
		if err != nil {
			return err
		}
		key, _, err := entryArgs(ix, args[1:2])
		if err != nil {
			return err
		}
		it, err := s.e.Indexes().Open(tx, ix.Root, indexmanager.SearchEqual, key, nil, indexmanager.OpenRead, indexmanager.Hint{})
		if err != nil {
			return err
		}
		defer it.Close()
		if !it.Valid() {
			s.printf("(not found)\n")
			return nil
		}
		for it.Valid() && string(it.Key()) == string(key) {
			s.printf("%s\n", field.Format(ix.Descriptor.ValueType, it.Value()))
			if _, err := it.Next(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *shell) scan(_ context.Context, args []string) error {
	var (
		from  string
		limit = -1
		desc  bool
	)
	for i := 1; i < len(args); i++ {
		switch strings.ToLower(args[i]) {
		case "from", "limit":
			if i+1 == len(args) {
				return fmt.Errorf("usage: %s", commands["scan"].usage)
			}
			if strings.ToLower(args[i]) == "from" {
				from = args[i+1]
			} else {
				n, err := strconv.Atoi(args[i+1])
				if err != nil {
					return fmt.Errorf("limit: %w", err)
				}
				limit = n
			}
			i++
		case "desc":
			desc = true
		default:
			return fmt.Errorf("unknown scan option %q", args[i])
		}
	}
	return s.withTx(func(tx *transaction.Tx) error {
		ix, err := s.lookup(tx, args[0])
		if err != nil {
			return err
		}
		mode := indexmanager.SearchFirst
		if desc {
			mode = indexmanager.SearchLast
		}
		var key []byte
		if from != "" {
			if key, err = field.Parse(ix.Descriptor.KeyType, from); err != nil {
				return fmt.Errorf("key: %w", err)
			}
			mode = indexmanager.SearchGreaterOrEqual
			if desc {
				mode = indexmanager.SearchLessOrEqual
			}
		}
		it, err := s.e.Indexes().Open(tx, ix.Root, mode, key, nil, indexmanager.OpenRead, indexmanager.Hint{})
		if err != nil {
			return err
		}
		defer it.Close()
		n := 0
		for it.Valid() && n != limit {
			s.printf("%s\t%s\n", field.Format(ix.Descriptor.KeyType, it.Key()), field.Format(ix.Descriptor.ValueType, it.Value()))
			n++
			if desc {
				_, err = it.Previous()
			} else {
				_, err = it.Next()
			}
			if err != nil {
				return err
			}
		}
		s.printf("(%d entries)\n", n)
		return nil
	})
}

// load bulk loads an empty index from a file of tab separated key and
// value lines.
func (s *shell) load(ctx context.Context, args []string) error {
	f, err := os.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()
	return s.withTx(func(tx *transaction.Tx) error {
		ix, err := s.lookup(tx, args[0])
		if err != nil {
			return err
		}
		n, err := s.e.BulkLoad(ctx, tx, ix.Root, func(emit func(key, value []byte) error) error {
			sc := bufio.NewScanner(f)
			sc.Buffer(make([]byte, 64<<10), 1<<20)
			for line := 1; sc.Scan(); line++ {
				text := sc.Text()
				if text == "" {
					continue
				}
				k, v, _ := strings.Cut(text, "\t")
				key, value, err := entryArgs(ix, []string{k, v})
				if err != nil {
					return fmt.Errorf("line %d: %w", line, err)
				}
				if err := emit(key, value); err != nil {
					return err
				}
			}
			return sc.Err()
		})
		if err != nil {
			return err
		}
		s.printf("%d entries loaded into %s\n", n, ix.Name)
		return nil
	})
}

// --- Transactions and maintenance ---

func (s *shell) begin(context.Context, []string) error {
	if s.tx != nil {
		return fmt.Errorf("transaction %d already open", s.tx.ID())
	}
	tx, err := s.e.Begin()
	if err != nil {
		return err
	}
	s.tx = tx
	s.printf("transaction %d started\n", tx.ID())
	return nil
}

func (s *shell) commit(context.Context, []string) error {
	if s.tx == nil {
		return errors.New("no open transaction")
	}
	tx := s.tx
	s.tx = nil
	return tx.Commit()
}

func (s *shell) rollback(context.Context, []string) error {
	if s.tx == nil {
		return errors.New("no open transaction")
	}
	tx := s.tx
	s.tx = nil
	return tx.Rollback()
}

func (s *shell) checkpoint(ctx context.Context, _ []string) error {
	return s.e.Checkpoint(ctx)
}

func (s *shell) backup(ctx context.Context, args []string) error {
	info, err := s.e.Backup(ctx, args[0])
	if err != nil {
		return err
	}
	var total int64
	for _, f := range info.Files {
		total += f.Bytes
	}
	s.printf("backup of %d files (%d bytes) written to %s in %s\n", len(info.Files), total, args[0], info.Finished.Sub(info.Started))
	return nil
}
