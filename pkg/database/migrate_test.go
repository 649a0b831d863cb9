package database

import "testing"

func TestMigrationsAreOrdered(t *testing.T) {
	names, err := Migrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) == 0 || names[0] != "001_schema.sql" {
		t.Fatalf("migrations = %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migrations out of order: %v", names)
		}
	}
}
