package main

import (
	"chat-sync/domain/chat"
	"chat-sync/internal"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/olekukonko/tablewriter"
)

// Offline dump of a stopped server's store.
func main() {
	dbPath := flag.String("db", "./data", "Path to badger DB")
	prefix := flag.String("prefix", "conv:", "Prefix to scan (user:, conv:, msg:, member:, direct:)")
	flag.Parse()

	db, err := badger.Open(badger.DefaultOptions(*dbPath).WithReadOnly(true).WithLoggingLevel(badger.ERROR))
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Namespace", "Entity ID", "Summary", "Detail"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(*prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			row := internal.DefaultMapper(string(item.Key()), item.ValueSize())
			err := item.Value(func(v []byte) error {
				table.Append([]string{row.Key, row.Namespace, shortID(row.EntityID), summarize(row.Namespace, v), row.Detail})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}

	table.Render()
}

// summarize decodes the values it knows, anything else is shown raw.
func summarize(namespace string, value []byte) string {
	switch namespace {
	case "conv":
		var c chat.Conversation
		if err := json.Unmarshal(value, &c); err == nil {
			return fmt.Sprintf("%d members, last message %s", len(c.Members), c.LastMessageAt.Format("2006-01-02 15:04:05"))
		}
	case "msg":
		var m chat.Message
		if err := json.Unmarshal(value, &m); err == nil {
			return fmt.Sprintf("%s: %s (seen by %d)", m.Sender.ID, chat.Preview([]chat.Message{m}), len(m.Seen))
		}
	case "user":
		var u chat.User
		if err := json.Unmarshal(value, &u); err == nil {
			return fmt.Sprintf("%s <%s>", u.Name, u.Address)
		}
	}
	return strings.TrimSpace(string(value))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
