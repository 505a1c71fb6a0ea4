// Package mysql opens the MySQL connection pool used by the durable agent
// registry and applies the embedded schema migrations from deploy/migrations.
package mysql
