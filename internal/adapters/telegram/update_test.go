package telegram_test

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/okian/coinledger/internal/adapters/telegram"
	"github.com/okian/coinledger/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func commandUpdate(text string, entityLen int) string {
	return `{
		"update_id": 9001,
		"message": {
			"message_id": 1,
			"date": 1700000000,
			"chat": {"id": 42, "type": "private"},
			"from": {"id": 42, "is_bot": false, "first_name": "Ann", "last_name": "Lee", "username": "annlee", "language_code": "en", "is_premium": true},
			"text": "` + text + `",
			"entities": [{"type": "bot_command", "offset": 0, "length": ` + strconv.Itoa(entityLen) + `}]
		}
	}`
}

func TestDecode(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	Convey("Given webhook bodies", t, func() {
		Convey("A /start with a referral code becomes a start delivery", func() {
			d, ok, err := telegram.Decode([]byte(commandUpdate("/start ref_77", 6)), now)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(d.ID, ShouldEqual, "9001")
			So(d.Kind, ShouldEqual, model.KindStart)
			So(d.Argument, ShouldEqual, "ref_77")
			So(d.ReceivedAt, ShouldEqual, now)
			So(d.Profile.ID, ShouldEqual, "42")
			So(d.Profile.DisplayName, ShouldEqual, "Ann Lee")
			So(d.Profile.Handle, ShouldEqual, "annlee")
			So(d.Profile.LanguageCode, ShouldEqual, "en")
			So(d.Profile.Privileged, ShouldBeTrue)
		})

		Convey("Other commands map to their kinds", func() {
			d, ok, err := telegram.Decode([]byte(commandUpdate("/task join-channel", 5)), now)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(d.Kind, ShouldEqual, model.KindClaimTask)
			So(d.Argument, ShouldEqual, "join-channel")

			d, ok, _ = telegram.Decode([]byte(commandUpdate("/daily", 6)), now)
			So(ok, ShouldBeTrue)
			So(d.Kind, ShouldEqual, model.KindClaimDaily)

			d, ok, _ = telegram.Decode([]byte(commandUpdate("/buy buy-analyzer", 4)), now)
			So(ok, ShouldBeTrue)
			So(d.Kind, ShouldEqual, model.KindPurchase)
		})

		Convey("Unknown commands and plain text are ignored", func() {
			_, ok, err := telegram.Decode([]byte(commandUpdate("/mine", 5)), now)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)

			_, ok, err = telegram.Decode([]byte(`{"update_id": 5, "message": {"message_id": 1, "date": 1, "chat": {"id": 1, "type": "private"}, "from": {"id": 1, "first_name": "x"}, "text": "hello"}}`), now)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("Updates without a message are ignored", func() {
			_, ok, err := telegram.Decode([]byte(`{"update_id": 6}`), now)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("Garbage is rejected", func() {
			_, _, err := telegram.Decode([]byte(`{not json`), now)
			So(errors.Is(err, telegram.ErrMalformedUpdate), ShouldBeTrue)

			_, _, err = telegram.Decode([]byte(`{"message": null}`), now)
			So(errors.Is(err, telegram.ErrMalformedUpdate), ShouldBeTrue)
		})
	})
}
