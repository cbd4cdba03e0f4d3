// Package labels - Label map parsing and category indexes for detection models.
//
// Label maps use the protobuf text format of a StringIntLabelMap:
//
//	item {
//	  name: "/m/01g317"
//	  id: 1
//	  display_name: "person"
//	}
package labels

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// BackgroundName is the only name allowed for id 0.
const BackgroundName = "background"

// ErrInvalidLabelMap is returned when a label map parses but breaks the id rules.
var ErrInvalidLabelMap = errors.New("invalid label map")

// Item is a single entry of a label map.
type Item struct {
	// Name is the raw class name (often a knowledge-graph id such as "/m/01g317").
	Name string
	// ID is the integer class id emitted by the model.
	ID int
	// DisplayName is the human-readable name, empty if the entry has none.
	DisplayName string
	// HasDisplayName reports whether display_name was present in the file.
	HasDisplayName bool
}

// LabelMap is a parsed label map file.
type LabelMap struct {
	Items []Item
}

var (
	descriptorOnce sync.Once
	labelMapDesc   protoreflect.MessageDescriptor
	descriptorErr  error
)

func optionalField(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		JsonName: proto.String(name),
		Number:   proto.Int32(number),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:     typ.Enum(),
	}
}

// labelMapDescriptor builds the StringIntLabelMap message descriptor at runtime
// so the text format can be parsed without generated code.
func labelMapDescriptor() (protoreflect.MessageDescriptor, error) {
	descriptorOnce.Do(func() {
		file := &descriptorpb.FileDescriptorProto{
			Name:    proto.String("object_detection/protos/string_int_label_map.proto"),
			Package: proto.String("object_detection.protos"),
			Syntax:  proto.String("proto2"),
			MessageType: []*descriptorpb.DescriptorProto{
				{
					Name: proto.String("StringIntLabelMapItem"),
					Field: []*descriptorpb.FieldDescriptorProto{
						optionalField("name", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
						optionalField("id", 2, descriptorpb.FieldDescriptorProto_TYPE_INT32),
						optionalField("display_name", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					},
				},
				{
					Name: proto.String("StringIntLabelMap"),
					Field: []*descriptorpb.FieldDescriptorProto{
						{
							Name:     proto.String("item"),
							JsonName: proto.String("item"),
							Number:   proto.Int32(1),
							Label:    descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(),
							Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
							TypeName: proto.String(".object_detection.protos.StringIntLabelMapItem"),
						},
					},
				},
			},
		}

		fd, err := protodesc.NewFile(file, nil)
		if err != nil {
			descriptorErr = errors.Wrap(err, "failed to build label map descriptor")
			return
		}
		labelMapDesc = fd.Messages().ByName("StringIntLabelMap")
		if labelMapDesc == nil {
			descriptorErr = errors.New("label map descriptor missing StringIntLabelMap")
		}
	})
	return labelMapDesc, descriptorErr
}

// ParseLabelMap parses label map text and validates its ids.
//
// Unknown fields (keypoints, frequency, ...) are ignored.
//
// Arguments:
//   - data: The protobuf text format content.
//
// Returns:
//   - *LabelMap: The parsed items in file order.
//   - error: A parse error, or ErrInvalidLabelMap when the id rules are broken.
func ParseLabelMap(data []byte) (*LabelMap, error) {
	desc, err := labelMapDescriptor()
	if err != nil {
		return nil, err
	}

	msg := dynamicpb.NewMessage(desc)
	if err := (prototext.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(err, "failed to parse label map")
	}

	itemDesc := desc.Fields().ByName("item")
	itemFields := itemDesc.Message().Fields()
	nameField := itemFields.ByName("name")
	idField := itemFields.ByName("id")
	displayField := itemFields.ByName("display_name")

	list := msg.Get(itemDesc).List()
	lm := &LabelMap{Items: make([]Item, 0, list.Len())}
	for i := 0; i < list.Len(); i++ {
		m := list.Get(i).Message()
		lm.Items = append(lm.Items, Item{
			Name:           m.Get(nameField).String(),
			ID:             int(m.Get(idField).Int()),
			DisplayName:    m.Get(displayField).String(),
			HasDisplayName: m.Has(displayField),
		})
	}

	if err := lm.Validate(); err != nil {
		return nil, err
	}
	return lm, nil
}

// LoadLabelMap reads and parses a label map file.
func LoadLabelMap(path string) (*LabelMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read label map %s", path)
	}
	lm, err := ParseLabelMap(data)
	if err != nil {
		return nil, errors.Wrapf(err, "label map %s", path)
	}
	return lm, nil
}

// Validate checks that every id is non-negative and that id 0 is only used
// for the background class.
func (lm *LabelMap) Validate() error {
	for _, item := range lm.Items {
		if item.ID < 0 {
			return errors.Wrapf(ErrInvalidLabelMap, "item %q has negative id %d", item.Name, item.ID)
		}
		if item.ID == 0 && item.Name != BackgroundName && item.DisplayName != BackgroundName {
			return errors.Wrapf(ErrInvalidLabelMap, "id 0 is reserved for %q, got %q", BackgroundName, item.Name)
		}
	}
	return nil
}

// MaxIndex returns the largest id in the label map, or 0 when it is empty.
func (lm *LabelMap) MaxIndex() int {
	maxID := 0
	for _, item := range lm.Items {
		if item.ID > maxID {
			maxID = item.ID
		}
	}
	return maxID
}

// MaxLabelMapIndex returns the largest id in lm. A nil label map has no ids.
func MaxLabelMapIndex(lm *LabelMap) int {
	if lm == nil {
		return 0
	}
	return lm.MaxIndex()
}
