package handler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pickup-go-api/internal/dto"
)

func TestDecodeLiveCommand(t *testing.T) {
	cases := []struct {
		name    string
		frame   string
		want    dto.LiveCommand
		wantErr string
	}{
		{name: "call", frame: `{"action":"call","request_id":7,"ref":" a1 "}`, want: dto.LiveCommand{Action: "call", RequestID: 7, Ref: "a1"}},
		{name: "request", frame: `{"action":"request","student_id":3}`, want: dto.LiveCommand{Action: "request", StudentID: 3}},
		{name: "refresh", frame: `{"action":"refresh"}`, want: dto.LiveCommand{Action: "refresh"}},
		{name: "unknown action", frame: `{"action":"teleport"}`, wantErr: "invalid command"},
		{name: "call without id", frame: `{"action":"call"}`, wantErr: "invalid command"},
		{name: "request without student", frame: `{"action":"request"}`, wantErr: "invalid command"},
		{name: "extra field", frame: `{"action":"refresh","status":"completed"}`, wantErr: "invalid command"},
		{name: "negative id", frame: `{"action":"cancel","request_id":-1}`, wantErr: "invalid command"},
		{name: "not json", frame: `call 7`, wantErr: "malformed frame"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			command, err := decodeLiveCommand([]byte(tc.frame))
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, command)
		})
	}
}
