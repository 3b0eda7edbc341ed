package serverapi

import (
	"github.com/rustytimer/rusty-timer/internal/serverstore"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

func streamKeyOf(st serverstore.Stream) streamkey.Key {
	return streamkey.Key{ForwarderID: st.ForwarderID, ReaderIP: st.ReaderIP}
}
