/*
 * Copyright (c)2011-2016 Christian Blichmann
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions are met:
 *     * Redistributions of source code must retain the above copyright
 *       notice, this list of conditions and the following disclaimer.
 *     * Redistributions in binary form must reproduce the above copyright
 *       notice, this list of conditions and the following disclaimer in the
 *       documentation and/or other materials provided with the distribution.
 *
 * THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
 * AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
 * IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
 * ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
 * LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
 * CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
 * SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
 * INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
 * CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
 * ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
 * POSSIBILITY OF SUCH DAMAGE.
 */

package blockdev

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
)

// blockKey derives the cache key or object key a remote-backed Device uses
// for the block starting at sector: one key per starting sector, so a
// read or write is addressed by the sector it begins at.
func blockKey(prefix string, sector uint64) string {
	return fmt.Sprintf("%s/%020d", prefix, sector)
}

// RedisDevice backs a Device with a Redis keyspace, used as the
// promote_target cache tier (spec §9 promote_target): reads that hit a
// cached replica are served from here instead of the backing member
// device, and writes populate it opportunistically rather than
// durably — Flush is a no-op since cache-tier data is always
// reconstructible from a durable replica elsewhere.
type RedisDevice struct {
	rdb      *redis.Client
	prefix   string
	nsectors uint64
}

// NewRedisDevice wraps an already-configured *redis.Client as a cache-tier
// Device of the given logical size.
func NewRedisDevice(rdb *redis.Client, prefix string, nsectors uint64) *RedisDevice {
	return &RedisDevice{rdb: rdb, prefix: prefix, nsectors: nsectors}
}

func (d *RedisDevice) ReadAt(ctx context.Context, p []byte, sector uint64) error {
	if err := CheckBounds(d, sector, uint64(len(p))/SectorSize); err != nil {
		return err
	}
	v, err := d.rdb.Get(ctx, blockKey(d.prefix, sector)).Bytes()
	if err != nil {
		return fmt.Errorf("blockdev: redis get %s: %w", blockKey(d.prefix, sector), err)
	}
	copy(p, v)
	return nil
}

func (d *RedisDevice) WriteAt(ctx context.Context, p []byte, sector uint64) error {
	if err := CheckBounds(d, sector, uint64(len(p))/SectorSize); err != nil {
		return err
	}
	return d.rdb.Set(ctx, blockKey(d.prefix, sector), p, 0).Err()
}

// Flush is a no-op: the cache tier carries no durability guarantee of its
// own, matching the "promote_target data may be discarded and
// repopulated" contract in spec §9.
func (d *RedisDevice) Flush(ctx context.Context) error { return nil }

func (d *RedisDevice) Discard(ctx context.Context, sector, nsectors uint64) error {
	keys := make([]string, nsectors)
	for i := range keys {
		keys[i] = blockKey(d.prefix, sector+uint64(i))
	}
	return d.rdb.Del(ctx, keys...).Err()
}

func (d *RedisDevice) Nsectors() uint64 { return d.nsectors }

func (d *RedisDevice) Close() error { return d.rdb.Close() }

// S3Device backs a Device with an S3-compatible object store, used as a
// background_target cold tier (spec §9 background_target); no pass in this
// module moves data onto it, and reads go through the normal replica-retry path in internal/extentio
// exactly as any other device would.
type S3Device struct {
	client   *s3.Client
	bucket   string
	prefix   string
	nsectors uint64
}

// NewS3Device wraps an already-configured *s3.Client as a cold-tier Device.
func NewS3Device(client *s3.Client, bucket, prefix string, nsectors uint64) *S3Device {
	return &S3Device{client: client, bucket: bucket, prefix: prefix, nsectors: nsectors}
}

func (d *S3Device) key(sector uint64) string { return blockKey(d.prefix, sector) }

func (d *S3Device) ReadAt(ctx context.Context, p []byte, sector uint64) error {
	if err := CheckBounds(d, sector, uint64(len(p))/SectorSize); err != nil {
		return err
	}
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(sector)),
	})
	if err != nil {
		return fmt.Errorf("blockdev: s3 get %s: %w", d.key(sector), err)
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, p)
	if err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("blockdev: s3 read %s: %w", d.key(sector), err)
	}
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return nil
}

func (d *S3Device) WriteAt(ctx context.Context, p []byte, sector uint64) error {
	if err := CheckBounds(d, sector, uint64(len(p))/SectorSize); err != nil {
		return err
	}
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(sector)),
		Body:   bytes.NewReader(p),
	})
	if err != nil {
		return fmt.Errorf("blockdev: s3 put %s: %w", d.key(sector), err)
	}
	return nil
}

// Flush is a no-op: every PutObject call is already a durable,
// individually-committed write on S3-compatible stores.
func (d *S3Device) Flush(ctx context.Context) error { return nil }

func (d *S3Device) Discard(ctx context.Context, sector, nsectors uint64) error {
	for i := uint64(0); i < nsectors; i++ {
		if _, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(d.key(sector + i)),
		}); err != nil {
			return fmt.Errorf("blockdev: s3 delete %s: %w", d.key(sector+i), err)
		}
	}
	return nil
}

func (d *S3Device) Nsectors() uint64 { return d.nsectors }

func (d *S3Device) Close() error { return nil }
