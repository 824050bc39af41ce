package encoding

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// JSONToBSONDoc parses a JSON object (relaxed extended JSON accepted) into
// an order-preserving BSON document.
func JSONToBSONDoc(data []byte) (bson.D, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON document: %w", err)
	}
	return doc, nil
}

// JSONToBSON re-serializes a JSON object as BSON bytes.
func JSONToBSON(data []byte) ([]byte, error) {
	var doc, err = JSONToBSONDoc(data)
	if err != nil {
		return nil, err
	}
	return bson.Marshal(doc)
}

// BSONToJSON renders BSON bytes as relaxed extended JSON.
func BSONToJSON(raw []byte) ([]byte, error) {
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing BSON document: %w", err)
	}
	return bson.MarshalExtJSON(doc, false, false)
}
