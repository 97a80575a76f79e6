package main

import (
	"fmt"

	"lsmkv"
)

func main() {
	db, err := lsmkv.Open("./data")
	if err != nil {
		fmt.Println(err)
		return
	}
	defer db.Close()

	db.Set("name", []byte("john"))
	db.Set("age", []byte("25"))
	db.Set("city", []byte("paris"))
	db.Set("job", []byte("engineer"))
	db.Set("hobby", []byte("reading"))

	db.Set("name", []byte("alice"))

	if val, found, err := db.Get("name"); err == nil && found {
		fmt.Println("name:", string(val))
	}

	db.Delete("age")
	if _, found, _ := db.Get("age"); !found {
		fmt.Println("age deleted")
	}

	if err := db.Flush(); err != nil {
		fmt.Println("flush:", err)
	}
	if val, found, _ := db.Get("name"); found {
		fmt.Println("name after flush:", string(val))
	}

	stats := db.Stats()
	fmt.Printf("tables per level: %v\n", stats.TablesPerLevel)
}
