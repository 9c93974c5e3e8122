package dedupe_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/coinledger/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func seen(d dedupe.Deduper, id string) bool {
	s, err := d.SeenAndRecord(context.Background(), id)
	So(err, ShouldBeNil)
	return s
}

func TestInMemoryDeduper(t *testing.T) {
	Convey("Given a new InMemoryDeduper", t, func() {
		ctx := context.Background()

		Convey("When creating a deduper with default options", func() {
			d := dedupe.NewInMemoryDeduper()

			Convey("Then it starts empty", func() {
				So(d, ShouldNotBeNil)
				So(d.Size(), ShouldEqual, 0)
			})
		})

		Convey("When recording deliveries", func() {
			d := dedupe.NewInMemoryDeduper()

			Convey("And the delivery is new", func() {
				So(seen(d, "update-1"), ShouldBeFalse)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("And the delivery was already seen", func() {
				seen(d, "update-1")
				So(seen(d, "update-1"), ShouldBeTrue)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("And multiple deliveries are recorded", func() {
				ids := []string{"1", "2", "3", "4", "5"}
				for _, id := range ids {
					So(seen(d, id), ShouldBeFalse)
				}
				So(d.Size(), ShouldEqual, int64(len(ids)))
				for _, id := range ids {
					So(seen(d, id), ShouldBeTrue)
				}
			})
		})

		Convey("When unrecording deliveries", func() {
			d := dedupe.NewInMemoryDeduper()
			seen(d, "a")
			seen(d, "b")

			Convey("Then an existing id is removed and can be recorded again", func() {
				So(d.Unrecord(ctx, "a"), ShouldBeNil)
				So(d.Size(), ShouldEqual, 1)
				So(seen(d, "a"), ShouldBeFalse)
			})

			Convey("Then a missing id is a no-op", func() {
				So(d.Unrecord(ctx, "zzz"), ShouldBeNil)
				So(d.Size(), ShouldEqual, 2)
			})
		})

		Convey("When the deduper is bounded", func() {
			d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))
			for _, id := range []string{"1", "2", "3"} {
				seen(d, id)
			}

			Convey("Then adding past capacity evicts the oldest id", func() {
				So(seen(d, "4"), ShouldBeFalse)
				So(d.Size(), ShouldEqual, 3)
				So(seen(d, "2"), ShouldBeTrue)
				So(seen(d, "1"), ShouldBeFalse)
			})
		})

		Convey("When the deduper is unbounded", func() {
			d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))
			for i := 0; i < 1000; i++ {
				seen(d, fmt.Sprintf("id-%d", i))
			}

			Convey("Then nothing is evicted", func() {
				So(d.Size(), ShouldEqual, 1000)
				So(seen(d, "id-0"), ShouldBeTrue)
			})
		})

		Convey("When ids carry a TTL", func() {
			now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			var mu sync.Mutex
			clock := func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				return now
			}
			d := dedupe.NewInMemoryDeduper(dedupe.WithTTL(time.Hour), dedupe.WithClock(clock))
			seen(d, "old")

			Convey("Then they are forgotten after the TTL", func() {
				mu.Lock()
				now = now.Add(59 * time.Minute)
				mu.Unlock()
				So(seen(d, "old"), ShouldBeTrue)

				mu.Lock()
				now = now.Add(2 * time.Minute)
				mu.Unlock()
				So(seen(d, "old"), ShouldBeFalse)
				So(d.Size(), ShouldEqual, 1)
			})
		})
	})
}

func TestDeduperConcurrency(t *testing.T) {
	Convey("Given a deduper with concurrent access", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(10000))

		Convey("When the same id is recorded by many goroutines", func() {
			var fresh atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 64; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s, err := d.SeenAndRecord(context.Background(), "shared")
					if err == nil && !s {
						fresh.Add(1)
					}
				}()
			}
			wg.Wait()

			Convey("Then exactly one caller sees it as new", func() {
				So(fresh.Load(), ShouldEqual, 1)
			})
		})

		Convey("When distinct ids are recorded and unrecorded concurrently", func() {
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := fmt.Sprintf("u-%d", i)
					_, _ = d.SeenAndRecord(context.Background(), id)
					if i%2 == 0 {
						_ = d.Unrecord(context.Background(), id)
					}
				}(i)
			}
			wg.Wait()

			Convey("Then only the kept ids remain", func() {
				So(d.Size(), ShouldEqual, 25)
			})
		})
	})
}

func TestDeduperEdgeCases(t *testing.T) {
	Convey("Given edge-case ids", t, func() {
		d := dedupe.NewInMemoryDeduper()

		Convey("Empty and very long ids are handled", func() {
			So(seen(d, ""), ShouldBeFalse)
			So(seen(d, ""), ShouldBeTrue)
			long := strings.Repeat("x", 10000)
			So(seen(d, long), ShouldBeFalse)
			So(seen(d, long), ShouldBeTrue)
		})

		Convey("A capacity of one keeps only the latest id", func() {
			one := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(1))
			seen(one, "a")
			seen(one, "b")
			So(one.Size(), ShouldEqual, 1)
			So(seen(one, "b"), ShouldBeTrue)
		})
	})
}

func TestRedisDeduper(t *testing.T) {
	url := os.Getenv("COINLEDGER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COINLEDGER_TEST_REDIS_URL not set")
	}

	Convey("Given a Redis deduper", t, func() {
		ctx := context.Background()
		client, err := dedupe.NewRedisClient(ctx, url)
		So(err, ShouldBeNil)
		Reset(func() { _ = client.Close() })

		d := dedupe.NewRedisDeduper(client, time.Minute)
		id := fmt.Sprintf("test-%d", time.Now().UnixNano())

		Convey("Then the first delivery is new and the second is a duplicate", func() {
			So(seen(d, id), ShouldBeFalse)
			So(seen(d, id), ShouldBeTrue)
			So(d.Size(), ShouldEqual, 1)

			So(d.Unrecord(ctx, id), ShouldBeNil)
			So(d.Size(), ShouldEqual, 0)
			So(seen(d, id), ShouldBeFalse)
			So(d.Unrecord(ctx, id), ShouldBeNil)
		})
	})
}

func TestNewRedisClientRejectsBadURL(t *testing.T) {
	Convey("A malformed Redis URL is rejected before dialing", t, func() {
		_, err := dedupe.NewRedisClient(context.Background(), "not-a-url")
		So(err, ShouldNotBeNil)
	})
}
