package tools

import "github.com/kilobco/sb-voice-gateway/pkg/genai"

// Declarations returns the function declarations offered to the model at
// session setup. The router's validator checks the same field types at
// dispatch, with two differences: completeOrder accepts a call without
// customerName or phoneNumber when collectCustomerDetails saved them earlier,
// and a manageOrder remove needs only action and itemName.
func Declarations() []genai.ToolDeclaration {
	return []genai.ToolDeclaration{
		{
			Name:        ToolSearchMenu,
			Description: "Look up a menu item by name. Returns the exact item name and unit price to quote to the caller.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The menu item the caller asked about.",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        ToolManageOrder,
			Description: "Add an item to the caller's order or remove one. Adding an item that is already in the order replaces its quantity.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type": "string",
						"enum": []string{"add", "remove"},
					},
					"itemName": map[string]any{
						"type":        "string",
						"description": "Exact menu item name as returned by searchMenu.",
					},
					"quantity": map[string]any{
						"type":    "integer",
						"minimum": 1,
					},
					"price": map[string]any{
						"type":    "number",
						"minimum": 0,
					},
					"notes": map[string]any{
						"type":        "string",
						"description": "Free-form customizations, e.g. 'extra crispy'.",
					},
				},
				"required": []string{"action", "itemName", "quantity", "price"},
			},
		},
		{
			Name:        ToolCollectCustomerDetails,
			Description: "Save the caller's name and phone number for the order.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"customerName": map[string]any{"type": "string"},
					"phoneNumber":  map[string]any{"type": "string"},
				},
				"required": []string{"customerName", "phoneNumber"},
			},
		},
		{
			Name:        ToolCompleteOrder,
			Description: "Finalize and persist the caller's order. Call only after confirming the full order, name, and phone number.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"customerName": map[string]any{"type": "string"},
					"phoneNumber":  map[string]any{"type": "string"},
				},
				"required": []string{"customerName", "phoneNumber"},
			},
		},
	}
}
