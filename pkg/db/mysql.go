// Package db opens the optional MySQL connection backing the admin HTTP
// surface's operator accounts (model.Operator). This is a separate
// database from the -store=mysql controller store backend: one holds who
// may operate the daemon, the other holds the networks/members it serves.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"peer-wan/pkg/model"
)

// Init connects to the admin database and migrates model.Operator.
// Env:
//
//	VNODED_ADMIN_DSN or VNODED_ADMIN_DB_HOST, _PORT, _USER, _PASS, _NAME
func Init() (*gorm.DB, error) {
	_ = loadDotEnv()
	host := getenv("VNODED_ADMIN_DB_HOST", "127.0.0.1")
	port := getenv("VNODED_ADMIN_DB_PORT", "3306")
	user := getenv("VNODED_ADMIN_DB_USER", "root")
	pass := getenv("VNODED_ADMIN_DB_PASS", "")
	dbname := getenv("VNODED_ADMIN_DB_NAME", "vnoded_admin")

	dsn := os.Getenv("VNODED_ADMIN_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local", user, pass, host, port, dbname)
	}

	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	conn, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "Unknown database") {
			if cerr := createDatabase(user, pass, host, port, dbname); cerr != nil {
				return nil, fmt.Errorf("create admin database failed: %w", cerr)
			}
			conn, err = gorm.Open(mysql.Open(dsn), cfg)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	sqlDB, _ := conn.DB()
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	if err := conn.AutoMigrate(&model.Operator{}); err != nil {
		return nil, err
	}
	return conn, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func createDatabase(user, pass, host, port, dbname string) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", user, pass, host, port)
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", dbname))
	return err
}
