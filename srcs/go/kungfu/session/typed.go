package session

import "encoding/json"

// BroadcastOf is Broadcast for any JSON-encodable value.
func BroadcastOf[T any](s *Scope, v T) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if b, err = s.Broadcast(b); err != nil {
		return out, err
	}
	err = json.Unmarshal(b, &out)
	return out, err
}

// GatherOf is Gather for any JSON-encodable value. Non-chiefs get nil.
func GatherOf[T any](s *Scope, v T) ([]T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	all, err := s.Gather(b)
	if err != nil || all == nil {
		return nil, err
	}
	return decodeAll[T](all)
}

// AllGatherOf is AllGather for any JSON-encodable value.
func AllGatherOf[T any](s *Scope, v T) ([]T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	all, err := s.AllGather(b)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](all)
}

func decodeAll[T any](all [][]byte) ([]T, error) {
	out := make([]T, len(all))
	for i, b := range all {
		if err := json.Unmarshal(b, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
