package tools

import (
	"context"
	"database/sql"
	"fmt"
)

// SeedDemo (re)creates a small shop database at path: users, products,
// orders and order_items with a handful of rows each.
func SeedDemo(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	queries := []string{
		`DROP TABLE IF EXISTS order_items;`,
		`DROP TABLE IF EXISTS orders;`,
		`DROP TABLE IF EXISTS products;`,
		`DROP TABLE IF EXISTS users;`,
		`CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username VARCHAR(50) NOT NULL UNIQUE,
			email VARCHAR(100) NOT NULL UNIQUE,
			age INTEGER,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE products (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name VARCHAR(100) NOT NULL,
			price DECIMAL(10,2) NOT NULL,
			category VARCHAR(50),
			stock INTEGER DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			total_amount DECIMAL(10,2) NOT NULL,
			status VARCHAR(20) DEFAULT 'pending',
			order_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id)
		);`,
		`CREATE TABLE order_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL,
			product_id INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			price DECIMAL(10,2) NOT NULL,
			FOREIGN KEY (order_id) REFERENCES orders(id),
			FOREIGN KEY (product_id) REFERENCES products(id)
		);`,
		`INSERT INTO users (username, email, age) VALUES
			('alice', 'alice@example.com', 25),
			('bob', 'bob@example.com', 30),
			('charlie', 'charlie@example.com', 35),
			('diana', 'diana@example.com', 28),
			('eve', 'eve@example.com', 32);`,
		`INSERT INTO products (name, price, category, stock) VALUES
			('Laptop', 5999.99, 'electronics', 10),
			('Smartphone', 2999.99, 'electronics', 25),
			('Coffee mug', 29.99, 'home', 100),
			('Book', 49.99, 'books', 50),
			('Headphones', 199.99, 'electronics', 30);`,
		`INSERT INTO orders (user_id, total_amount, status) VALUES
			(1, 5999.99, 'completed'),
			(2, 2999.99, 'pending'),
			(3, 79.98, 'completed'),
			(1, 249.98, 'shipped'),
			(4, 49.99, 'pending');`,
		`INSERT INTO order_items (order_id, product_id, quantity, price) VALUES
			(1, 1, 1, 5999.99),
			(2, 2, 1, 2999.99),
			(3, 3, 2, 29.99),
			(3, 4, 1, 49.99),
			(4, 5, 1, 199.99),
			(4, 4, 1, 49.99),
			(5, 4, 1, 49.99);`,
	}
	for _, q := range queries {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("seed demo database: %w", err)
		}
	}
	return nil
}
