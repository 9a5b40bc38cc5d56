// Package mysql 提供 MySQL 连接池构建与内嵌 SQL 迁移的执行。
package mysql
