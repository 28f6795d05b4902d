// Package driver selects the physical connection factory for a bucket.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/joao-brasil/hikaripool/internal/driver/mssql"
	"github.com/joao-brasil/hikaripool/internal/driver/redisconn"
	"github.com/joao-brasil/hikaripool/internal/pool"
	"github.com/joao-brasil/hikaripool/pkg/bucket"
)

// Pinger is implemented by every connection the drivers return.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ForBucket returns the factory for b's driver. validation bounds the
// checks run on every new connection.
func ForBucket(b *bucket.Bucket, validation time.Duration) (pool.Factory, error) {
	switch b.Driver {
	case bucket.DriverSQLServer, "":
		return mssql.NewFactory(mssql.Options{
			DSN:               b.DSN(),
			InitSQL:           b.ConnectionInitSQL,
			ValidationTimeout: validation,
		}), nil
	case bucket.DriverRedis:
		return redisconn.NewFactory(redisconn.Options{
			Addr:              b.Addr(),
			Username:          b.Username,
			Password:          b.Password,
			DB:                b.RedisDB,
			ValidationTimeout: validation,
		}), nil
	default:
		return nil, fmt.Errorf("bucket %s: unsupported driver %q", b.ID, b.Driver)
	}
}

// Ping pings conn if its driver supports it.
func Ping(ctx context.Context, conn pool.Connection) error {
	p, ok := conn.(Pinger)
	if !ok {
		return nil
	}
	return p.PingContext(ctx)
}
