package telegram

import "testing"

func TestChatIDFromConversation(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"telegram:12345", 12345, false},
		{"telegram:-100987", -100987, false},
		{"12345", 12345, false},
		{"telegram:abc", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := chatIDFromConversation(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("chatIDFromConversation(%q) err = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("chatIDFromConversation(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
