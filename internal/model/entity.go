package model

// Entity is one canonical upsert record produced by a translator and consumed
// by the downstream workspace service.
type Entity struct {
	Name       string               `json:"name"`
	EntityType string               `json:"entityType"`
	Operations []AttributeOperation `json:"operations"`
}

// EntityReference points an attribute at another entity.
type EntityReference struct {
	EntityType string `json:"entityType"`
	EntityName string `json:"entityName"`
}

const (
	opAddUpdateAttribute       = "AddUpdateAttribute"
	opAddListMember            = "AddListMember"
	opRemoveAttribute          = "RemoveAttribute"
	opCreateAttributeValueList = "CreateAttributeValueList"
)

// AttributeOperation is one element of an entity's operations array. The
// variant is selected by Op; unused fields stay empty and are omitted from the
// wire form.
type AttributeOperation struct {
	Op                 string `json:"op"`
	AttributeName      string `json:"attributeName,omitempty"`
	AddUpdateAttribute any    `json:"addUpdateAttribute,omitempty"`
	AttributeListName  string `json:"attributeListName,omitempty"`
	NewMember          any    `json:"newMember,omitempty"`
}

func AddUpdateAttribute(name string, value any) AttributeOperation {
	return AttributeOperation{Op: opAddUpdateAttribute, AttributeName: name, AddUpdateAttribute: value}
}

func AddListMember(listName string, value any) AttributeOperation {
	return AttributeOperation{Op: opAddListMember, AttributeListName: listName, NewMember: value}
}

func RemoveAttribute(name string) AttributeOperation {
	return AttributeOperation{Op: opRemoveAttribute, AttributeName: name}
}

func CreateAttributeValueList(name string) AttributeOperation {
	return AttributeOperation{Op: opCreateAttributeValueList, AttributeName: name}
}

// ListOperations emits the operation sequence for a list-valued attribute:
// remove any existing attribute, create a fresh value list, then append each
// member in order. Consumers rely on this exact ordering.
func ListOperations(name string, members []any) []AttributeOperation {
	ops := make([]AttributeOperation, 0, len(members)+2)
	ops = append(ops, RemoveAttribute(name), CreateAttributeValueList(name))
	for _, m := range members {
		ops = append(ops, AddListMember(name, m))
	}
	return ops
}
